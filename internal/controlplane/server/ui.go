package server

import (
	"net/http"
)

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(uiHTML))
}

const uiHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>bothost</title>
  <style>
    body { font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Arial; margin: 0; }
    .wrap { display: grid; grid-template-columns: 320px 1fr; height: 100vh; }
    .left { border-right: 1px solid #eee; padding: 12px; overflow:auto; }
    .right { padding: 12px; overflow:auto; }
    .bot { padding: 8px; border: 1px solid #eee; border-radius: 8px; margin-bottom: 8px; cursor: pointer; }
    .bot:hover { background: #fafafa; }
    pre { background:#0b1020; color:#d6e2ff; padding:12px; border-radius:8px; overflow:auto; min-height: 420px; white-space: pre-wrap; }
    button { margin-right: 8px; }
    .row { display:flex; gap: 8px; align-items:center; flex-wrap: wrap; }
    .muted { color:#666; font-size: 12px; }
  </style>
</head>
<body>
<div class="wrap">
  <div class="left">
    <div class="row">
      <h3 style="margin:0">Running</h3>
      <button onclick="reloadBots()">刷新</button>
    </div>
    <div id="bots" style="margin-top:12px"></div>
  </div>
  <div class="right">
    <div class="row">
      <input id="botID" placeholder="bot id"/>
      <input id="userID" placeholder="user id"/>
      <button onclick="startBot()">Start</button>
      <button onclick="stopBot()">Stop</button>
      <button onclick="follow()">Logs</button>
      <span id="status" class="muted"></span>
    </div>
    <pre id="logs"></pre>
  </div>
</div>
<script>
let es = null;
const $ = (id) => document.getElementById(id);

async function call(path, method) {
  const res = await fetch(path, {
    method,
    headers: {'Content-Type': 'application/json'},
    body: method === 'POST' ? JSON.stringify({user_id: $('userID').value}) : undefined,
  });
  const body = await res.json().catch(() => ({}));
  $('status').textContent = res.status + ' ' + JSON.stringify(body);
  return body;
}

async function reloadBots() {
  const body = await call('/api/bots/', 'GET');
  const el = $('bots');
  el.innerHTML = '';
  for (const inst of (body.instances || [])) {
    const d = document.createElement('div');
    d.className = 'bot';
    d.textContent = inst.bot_id + ' · ' + inst.tier + ' · ' + inst.strategy;
    d.onclick = () => { $('botID').value = inst.bot_id; follow(); };
    el.appendChild(d);
  }
}

function startBot() { call('/api/bots/' + encodeURIComponent($('botID').value) + '/start', 'POST').then(reloadBots); }
function stopBot() { call('/api/bots/' + encodeURIComponent($('botID').value) + '/stop', 'POST').then(reloadBots); }

function follow() {
  if (es) es.close();
  const out = $('logs');
  out.textContent = '';
  es = new EventSource('/api/bots/' + encodeURIComponent($('botID').value) + '/logs/stream');
  es.onmessage = (ev) => {
    out.textContent += ev.data.replace(/\\n/g, '\n') + '\n';
    out.scrollTop = out.scrollHeight;
  };
}

reloadBots();
</script>
</body>
</html>
`
