package cmd

import (
	"context"

	"github.com/pterm/pterm"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
)

// terminalConfirmer asks the operator on the controlling terminal before a
// launch. Defaults to no; pressing enter declines.
type terminalConfirmer struct{}

var _ core.Confirmer = terminalConfirmer{}

func (terminalConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	type answer struct {
		granted bool
		err     error
	}
	// pterm reads stdin without a context; on timeout the prompt goroutine
	// stays blocked until the process exits, which is fine for a CLI that
	// asks one question at a time.
	ch := make(chan answer, 1)
	go func() {
		granted, err := pterm.DefaultInteractiveConfirm.
			WithDefaultValue(false).
			Show(prompt)
		ch <- answer{granted: granted, err: err}
	}()

	select {
	case <-ctx.Done():
		pterm.Println()
		return false, ctx.Err()
	case a := <-ch:
		return a.granted, a.err
	}
}

// autoConfirmer grants every launch. Selected by --yes; the grant is logged
// as a security event so the audit trail shows who skipped the prompts.
type autoConfirmer struct {
	log *logger.Logger
}

var _ core.Confirmer = autoConfirmer{}

func (a autoConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	a.log.LogSecurityEvent(ctx, "exploit_auto_authorized", map[string]interface{}{
		"prompt": prompt,
	})
	return true, nil
}
