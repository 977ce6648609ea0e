package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleDashboard serves the operator console. The page itself holds no
// engagement data; everything it shows comes from the authenticated API and
// the WebSocket feed.
func (s *Server) handleDashboard(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.String(http.StatusOK, dashboardHTML)
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Salvo - Exploit Orchestration Console</title>
    <style>
        :root {
            --bg-primary: #0b0e11;
            --bg-card: #14181d;
            --bg-table-header: #1a2027;
            --bg-hover: #202830;
            --border-color: rgba(231, 76, 60, 0.18);
            --text-primary: #e8edf2;
            --text-secondary: #9aa7b2;
            --text-muted: #5f6b76;
            --accent: #e74c3c;
            --accent-soft: #f1948a;
            --ok: #2ecc71;
            --warn: #f39c12;
            --info: #3498db;
        }

        * { margin: 0; padding: 0; box-sizing: border-box; }

        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: var(--bg-primary);
            color: var(--text-primary);
            line-height: 1.6;
        }

        .container { max-width: 1400px; margin: 0 auto; padding: 20px; }

        h1 {
            font-size: 2.2rem;
            color: var(--accent);
            font-weight: 500;
            letter-spacing: -0.02em;
        }

        h2 {
            font-size: 1.3rem;
            margin: 28px 0 12px;
            color: var(--accent-soft);
            font-weight: 400;
        }

        .subtitle { color: var(--text-muted); margin-bottom: 24px; }

        .banner {
            display: none;
            background: rgba(243, 156, 18, 0.12);
            border: 1px solid rgba(243, 156, 18, 0.4);
            border-radius: 8px;
            padding: 12px 16px;
            margin-bottom: 20px;
        }
        .banner input {
            background: var(--bg-primary);
            border: 1px solid var(--border-color);
            border-radius: 6px;
            color: var(--text-primary);
            padding: 6px 10px;
            margin: 0 8px;
            width: 280px;
        }

        .stats-grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(160px, 1fr));
            gap: 16px;
            margin-bottom: 24px;
        }

        .stat-card {
            background: var(--bg-card);
            border-radius: 10px;
            padding: 16px;
            border: 1px solid var(--border-color);
        }

        .stat-value { font-size: 2.1rem; font-weight: 500; }
        .stat-label { color: var(--text-secondary); font-size: 0.8rem; text-transform: uppercase; letter-spacing: 0.05em; }

        .v-succeeded { color: var(--ok); }
        .v-exhausted { color: var(--warn); }
        .v-aborted { color: var(--accent); }
        .v-workers { color: var(--info); }

        .panel {
            background: var(--bg-card);
            border-radius: 10px;
            overflow: hidden;
            border: 1px solid var(--border-color);
        }

        table { width: 100%; border-collapse: collapse; }
        th {
            background: var(--bg-table-header);
            padding: 10px 14px;
            text-align: left;
            font-weight: 500;
            color: var(--text-secondary);
            font-size: 0.8rem;
            text-transform: uppercase;
            letter-spacing: 0.05em;
            border-bottom: 1px solid var(--border-color);
        }
        td { padding: 10px 14px; border-bottom: 1px solid var(--border-color); font-size: 0.9rem; }
        tbody tr:hover { background: var(--bg-hover); cursor: pointer; }

        .badge {
            display: inline-block;
            padding: 2px 10px;
            border-radius: 12px;
            font-size: 0.72rem;
            font-weight: 600;
            text-transform: uppercase;
            letter-spacing: 0.04em;
        }
        .badge-succeeded { background: rgba(46, 204, 113, 0.15); color: var(--ok); border: 1px solid rgba(46, 204, 113, 0.35); }
        .badge-exhausted { background: rgba(243, 156, 18, 0.15); color: var(--warn); border: 1px solid rgba(243, 156, 18, 0.35); }
        .badge-aborted, .badge-failed, .badge-errored { background: rgba(231, 76, 60, 0.15); color: var(--accent); border: 1px solid rgba(231, 76, 60, 0.35); }
        .badge-in_progress, .badge-running, .badge-processing, .badge-active { background: rgba(52, 152, 219, 0.15); color: var(--info); border: 1px solid rgba(52, 152, 219, 0.35); }
        .badge-not_started, .badge-pending, .badge-idle, .badge-timed_out { background: rgba(95, 107, 118, 0.2); color: var(--text-secondary); border: 1px solid rgba(95, 107, 118, 0.4); }

        .loading { text-align: center; padding: 32px; color: var(--text-muted); }
        .error-row { color: var(--accent); text-align: center; padding: 20px; }

        .live-dot {
            display: inline-block; width: 9px; height: 9px; border-radius: 50%;
            background: var(--text-muted); margin-right: 6px;
        }
        .live-dot.on { background: var(--ok); }

        .refresh-btn {
            background: var(--accent);
            color: #fff;
            border: none;
            padding: 8px 16px;
            border-radius: 6px;
            cursor: pointer;
            font-size: 0.85rem;
            float: right;
        }
        .refresh-btn:hover { background: var(--accent-soft); }

        .modal {
            display: none; position: fixed; inset: 0;
            background: rgba(0,0,0,0.85); z-index: 1000; overflow-y: auto;
        }
        .modal-content {
            background: var(--bg-card); margin: 48px auto; padding: 28px;
            max-width: 1000px; border-radius: 10px; border: 1px solid var(--border-color);
        }
        .close-btn { float: right; font-size: 26px; color: var(--text-secondary); cursor: pointer; }
        .close-btn:hover { color: var(--accent); }

        pre {
            background: var(--bg-primary); padding: 12px; border-radius: 6px;
            overflow-x: auto; margin-top: 8px; border: 1px solid var(--border-color);
            font-size: 0.82rem; color: var(--text-secondary);
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>salvo</h1>
        <p class="subtitle"><span id="liveDot" class="live-dot"></span>Exploit orchestration console</p>

        <div id="authBanner" class="banner">
            API key required:
            <input id="apiKeyInput" type="password" placeholder="paste key">
            <button class="refresh-btn" style="float:none" onclick="saveKey()">Save</button>
        </div>

        <div class="stats-grid">
            <div class="stat-card"><div class="stat-value" id="statTotal">-</div><div class="stat-label">Sessions</div></div>
            <div class="stat-card"><div class="stat-value v-succeeded" id="statSucceeded">-</div><div class="stat-label">Succeeded</div></div>
            <div class="stat-card"><div class="stat-value v-exhausted" id="statExhausted">-</div><div class="stat-label">Exhausted</div></div>
            <div class="stat-card"><div class="stat-value v-aborted" id="statAborted">-</div><div class="stat-label">Aborted</div></div>
            <div class="stat-card"><div class="stat-value" id="statAttempts">-</div><div class="stat-label">Attempts</div></div>
            <div class="stat-card"><div class="stat-value" id="statPending">-</div><div class="stat-label">Queued Jobs</div></div>
            <div class="stat-card"><div class="stat-value v-workers" id="statWorkers">-</div><div class="stat-label">Workers</div></div>
        </div>

        <h2>Workers</h2>
        <div class="panel">
            <table>
                <thead><tr><th>ID</th><th>Host</th><th>Status</th><th>Current Job</th><th>Completed</th><th>Last Ping</th></tr></thead>
                <tbody id="workersBody"><tr><td colspan="6" class="loading">No workers running</td></tr></tbody>
            </table>
        </div>

        <h2>Sessions</h2>
        <button class="refresh-btn" onclick="loadSessions()">Refresh</button>
        <div class="panel" style="clear: both">
            <table>
                <thead><tr><th>Target</th><th>Service</th><th>Outcome</th><th>Attempts</th><th>Candidates</th><th>Started</th></tr></thead>
                <tbody id="sessionsBody"><tr><td colspan="6" class="loading">Loading sessions...</td></tr></tbody>
            </table>
        </div>
    </div>

    <div id="sessionModal" class="modal">
        <div class="modal-content">
            <span class="close-btn" onclick="closeModal()">&times;</span>
            <div id="sessionDetails"></div>
        </div>
    </div>

    <script>
        function apiKey() { return localStorage.getItem('salvo_api_key') || ''; }

        function saveKey() {
            localStorage.setItem('salvo_api_key', document.getElementById('apiKeyInput').value);
            document.getElementById('authBanner').style.display = 'none';
            loadSessions();
            connectLive();
        }

        function authHeaders() {
            var key = apiKey();
            return key ? { 'Authorization': 'Bearer ' + key } : {};
        }

        async function apiGet(path) {
            var res = await fetch(path, { headers: authHeaders() });
            if (res.status === 401) {
                document.getElementById('authBanner').style.display = 'block';
                throw new Error('unauthorized');
            }
            if (!res.ok) throw new Error('HTTP ' + res.status);
            return res.json();
        }

        function escapeHtml(text) {
            var div = document.createElement('div');
            div.textContent = text == null ? '' : text;
            return div.innerHTML;
        }

        function badge(value) {
            var v = escapeHtml(value || 'unknown');
            return '<span class="badge badge-' + v + '">' + v.replace('_', ' ') + '</span>';
        }

        function fmtTime(iso) {
            if (!iso) return '-';
            return new Date(iso).toLocaleString();
        }

        function serviceLabel(svc) {
            if (!svc) return '-';
            var label = svc.name || '?';
            if (svc.version) label += ' ' + svc.version;
            if (svc.port) label += ' :' + svc.port;
            return label;
        }

        function applySnapshot(snap) {
            if (snap.stats) {
                var by = snap.stats.ByOutcome || {};
                document.getElementById('statTotal').textContent = snap.stats.Total;
                document.getElementById('statSucceeded').textContent = by.succeeded || 0;
                document.getElementById('statExhausted').textContent = by.exhausted || 0;
                document.getElementById('statAborted').textContent = by.aborted || 0;
                document.getElementById('statAttempts').textContent = snap.stats.Attempts;
            }
            document.getElementById('statPending').textContent = (snap.pending_jobs || []).length;

            var workers = snap.workers || [];
            document.getElementById('statWorkers').textContent = workers.length;
            var body = document.getElementById('workersBody');
            if (workers.length === 0) {
                body.innerHTML = '<tr><td colspan="6" class="loading">No workers running</td></tr>';
                return;
            }
            body.innerHTML = '';
            workers.forEach(function(w) {
                var row = document.createElement('tr');
                row.innerHTML =
                    '<td>' + escapeHtml((w.id || '').substring(0, 8)) + '</td>' +
                    '<td>' + escapeHtml(w.hostname) + '</td>' +
                    '<td>' + badge(w.status) + '</td>' +
                    '<td>' + escapeHtml(w.current_job ? w.current_job.substring(0, 8) : '-') + '</td>' +
                    '<td>' + w.jobs_complete + '</td>' +
                    '<td>' + fmtTime(w.last_ping) + '</td>';
                body.appendChild(row);
            });
        }

        async function loadSessions() {
            try {
                var sessions = await apiGet('/api/v1/sessions?limit=50');
                var tbody = document.getElementById('sessionsBody');
                if (sessions.length === 0) {
                    tbody.innerHTML = '<tr><td colspan="6" class="loading">No sessions recorded yet</td></tr>';
                    return;
                }
                tbody.innerHTML = '';
                sessions.forEach(function(s) {
                    var row = document.createElement('tr');
                    row.onclick = function() { viewSession(s.id); };
                    row.innerHTML =
                        '<td>' + escapeHtml(s.target.address) + '</td>' +
                        '<td>' + escapeHtml(serviceLabel(s.service)) + '</td>' +
                        '<td>' + badge(s.outcome) + '</td>' +
                        '<td>' + (s.attempts ? s.attempts.length : 0) + '</td>' +
                        '<td>' + s.candidate_count + '</td>' +
                        '<td>' + fmtTime(s.started_at) + '</td>';
                    tbody.appendChild(row);
                });
            } catch (err) {
                if (err.message !== 'unauthorized') {
                    document.getElementById('sessionsBody').innerHTML =
                        '<tr><td colspan="6" class="error-row">' + escapeHtml(err.message) + '</td></tr>';
                }
            }
        }

        async function viewSession(id) {
            try {
                var report = await apiGet('/api/v1/sessions/' + id + '/report');
                var html = '<h2 style="margin-top:0">Session ' + escapeHtml(id.substring(0, 8)) + '</h2>' +
                    '<p><strong>Target:</strong> ' + escapeHtml(report.target) + '</p>' +
                    '<p><strong>Service:</strong> ' + escapeHtml(serviceLabel(report.service)) + '</p>' +
                    '<p><strong>Outcome:</strong> ' + badge(report.outcome) + '</p>' +
                    '<p><strong>Candidates:</strong> ' + report.candidate_count +
                    (report.skipped_lines ? ' (' + report.skipped_lines + ' unparsed catalog lines skipped)' : '') + '</p>';

                var attempts = report.attempts || [];
                html += '<h2>Attempts (' + attempts.length + ')</h2>';
                if (attempts.length === 0) {
                    html += '<p style="color: var(--text-muted)">No attempts were made.</p>';
                } else {
                    html += '<table><thead><tr><th>#</th><th>Module</th><th>Rank</th><th>Status</th><th>Artifact</th></tr></thead><tbody>';
                    attempts.forEach(function(a, i) {
                        html += '<tr><td>' + (i + 1) + '</td>' +
                            '<td>' + escapeHtml(a.module_id) + '</td>' +
                            '<td>' + escapeHtml(a.rank) + '</td>' +
                            '<td>' + badge(a.status) + '</td>' +
                            '<td>' + escapeHtml(a.artifact_path || '-') + '</td></tr>';
                        if (a.output_summary) {
                            html += '<tr><td></td><td colspan="4"><pre>' + escapeHtml(a.output_summary) + '</pre></td></tr>';
                        }
                    });
                    html += '</tbody></table>';
                }

                document.getElementById('sessionDetails').innerHTML = html;
                document.getElementById('sessionModal').style.display = 'block';
            } catch (err) {
                if (err.message !== 'unauthorized') alert('Failed to load session: ' + err.message);
            }
        }

        function closeModal() { document.getElementById('sessionModal').style.display = 'none'; }

        var liveSocket = null;
        function connectLive() {
            if (liveSocket) { liveSocket.onclose = null; liveSocket.close(); }
            var proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            var keyParam = apiKey() ? '?key=' + encodeURIComponent(apiKey()) : '';
            liveSocket = new WebSocket(proto + location.host + '/ws' + keyParam);
            liveSocket.onopen = function() { document.getElementById('liveDot').classList.add('on'); };
            liveSocket.onmessage = function(ev) { applySnapshot(JSON.parse(ev.data)); };
            liveSocket.onclose = function() {
                document.getElementById('liveDot').classList.remove('on');
                setTimeout(connectLive, 5000);
            };
        }

        loadSessions();
        connectLive();
        setInterval(loadSessions, 30000);

        window.onclick = function(event) {
            if (event.target === document.getElementById('sessionModal')) closeModal();
        };
    </script>
</body>
</html>`
