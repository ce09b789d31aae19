package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Artgate Review Queue</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background:
        radial-gradient(1200px 500px at -5% -10%, rgba(232, 138, 61, 0.18), transparent 60%),
        radial-gradient(900px 500px at 110% -10%, rgba(31, 157, 136, 0.2), transparent 65%),
        linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1100px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: linear-gradient(140deg, #fffefc, #fcf6eb);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 {
      margin: 0;
      font-size: clamp(1.2rem, 2vw, 1.75rem);
      letter-spacing: 0.02em;
    }

    .sub {
      margin-top: 6px;
      color: var(--muted);
      font-size: 0.9rem;
    }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1fr 0.5fr 0.5fr;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      background: #ffffff;
      color: var(--ink);
      padding: 10px 12px;
      font-size: 0.92rem;
      outline: none;
    }

    button {
      border: 0;
      border-radius: 10px;
      padding: 8px 12px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
    }

    .btn-primary {
      background: linear-gradient(125deg, var(--accent), #2ab399);
      color: #ffffff;
    }

    .btn-danger {
      background: linear-gradient(125deg, var(--danger), #d8685f);
      color: #ffffff;
    }

    .btn-secondary {
      background: linear-gradient(120deg, #f2ede2, #efe6d7);
      color: var(--ink);
      border: 1px solid var(--line);
    }

    .cards {
      display: grid;
      gap: 10px;
      grid-template-columns: repeat(5, minmax(120px, 1fr));
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
      min-height: 70px;
      box-shadow: 0 8px 18px rgba(16, 34, 35, 0.08);
    }

    .label {
      text-transform: uppercase;
      letter-spacing: 0.09em;
      font-size: 0.66rem;
      color: var(--muted);
    }

    .value {
      margin-top: 6px;
      font-size: 1.1rem;
      font-weight: 700;
    }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 12px;
      box-shadow: 0 10px 20px rgba(16, 34, 35, 0.08);
    }

    .panel h2 {
      margin: 0 0 10px;
      font-size: 0.92rem;
      letter-spacing: 0.06em;
      text-transform: uppercase;
    }

    table {
      width: 100%;
      border-collapse: collapse;
      font-size: 0.85rem;
    }

    th, td {
      text-align: left;
      border-bottom: 1px solid #ece3d1;
      padding: 8px 6px;
      vertical-align: middle;
    }

    th {
      color: #556262;
      text-transform: uppercase;
      font-size: 0.69rem;
      letter-spacing: 0.08em;
    }

    td .actions { display: flex; gap: 6px; flex-wrap: wrap; }

    .badge {
      display: inline-block;
      border-radius: 999px;
      padding: 2px 10px;
      font-size: 0.72rem;
      font-weight: 700;
    }

    .badge.dup { background: #fbeadb; color: #b66a21; }
    .badge.new { background: #e4f6f1; color: #0f8f53; }
    .badge.failed { background: #f8e2e0; color: var(--danger); }

    .feed {
      margin: 0;
      padding: 0;
      list-style: none;
      display: grid;
      gap: 8px;
      max-height: 260px;
      overflow: auto;
    }

    .feed li {
      border: 1px solid #e3d9c4;
      border-left: 5px solid var(--accent);
      border-radius: 10px;
      padding: 9px 10px;
      background: #fffcf7;
      font-size: 0.83rem;
    }

    .feed li.rejected, .feed li.cancelled { border-left-color: var(--accent-2); }
    .feed li.failed { border-left-color: var(--danger); }

    .mono {
      font-family: "IBM Plex Mono", "SFMono-Regular", Menlo, Consolas, monospace;
    }

    .status-line {
      margin-top: 10px;
      font-size: 0.84rem;
      color: var(--muted);
      display: flex;
      gap: 10px;
    }

    .ok { color: #0f8f53; }
    .warn { color: #b66a21; }
    .err { color: var(--danger); }

    @media (max-width: 800px) {
      .controls { grid-template-columns: 1fr; }
      .cards { grid-template-columns: repeat(2, minmax(120px, 1fr)); }
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>Artgate Review Queue</h1>
      <div class="sub">Pending art submissions awaiting an approval decision.</div>
      <div class="controls">
        <input id="actor" type="text" placeholder="your reviewer name" autocomplete="off" />
        <button id="refresh" class="btn-primary" type="button">Refresh Now</button>
        <button id="toggle" class="btn-secondary" type="button">Pause Auto</button>
      </div>
      <div class="status-line">
        <span>Stream: <span id="streamState">connecting</span></span>
        <span>Last: <span id="lastUpdated">never</span></span>
        <span id="statusMessage">idle</span>
      </div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Pending</div><div id="pendingTotal" class="value">-</div></article>
      <article class="card"><div class="label">Finalized</div><div id="finalizedTotal" class="value">-</div></article>
      <article class="card"><div class="label">Rejected</div><div id="rejectedTotal" class="value">-</div></article>
      <article class="card"><div class="label">Failed</div><div id="failedTotal" class="value">-</div></article>
      <article class="card"><div class="label">Deduped Events</div><div id="dedupedTotal" class="value">-</div></article>
    </section>

    <section class="panel">
      <h2>Pending Submissions</h2>
      <table>
        <thead>
          <tr>
            <th>Candidate Path</th>
            <th>Category</th>
            <th>Submitter</th>
            <th>State</th>
            <th>Decision</th>
          </tr>
        </thead>
        <tbody id="submissionRows"></tbody>
      </table>
    </section>

    <section class="panel">
      <h2>Outcome Feed</h2>
      <ul id="outcomeFeed" class="feed"></ul>
    </section>
  </main>

  <script>
    (function () {
      const store = { timer: null, intervalMs: 5000, paused: false };

      const dom = {
        actor: document.getElementById("actor"),
        refresh: document.getElementById("refresh"),
        toggle: document.getElementById("toggle"),
        streamState: document.getElementById("streamState"),
        lastUpdated: document.getElementById("lastUpdated"),
        statusMessage: document.getElementById("statusMessage"),
        pendingTotal: document.getElementById("pendingTotal"),
        finalizedTotal: document.getElementById("finalizedTotal"),
        rejectedTotal: document.getElementById("rejectedTotal"),
        failedTotal: document.getElementById("failedTotal"),
        dedupedTotal: document.getElementById("dedupedTotal"),
        submissionRows: document.getElementById("submissionRows"),
        outcomeFeed: document.getElementById("outcomeFeed"),
      };

      const actionLabels = {
        approve: "Approve",
        approve_new_name: "Approve (New Name)",
        overwrite: "Overwrite",
        reject: "Reject",
        cancel: "Cancel",
      };

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      function getActor() {
        return dom.actor.value.trim() || "reviewer";
      }

      async function request(path, options) {
        const response = await fetch(path, options);
        const text = await response.text();
        let data;
        try {
          data = JSON.parse(text);
        } catch (err) {
          throw new Error("non-json response: " + text.slice(0, 200));
        }
        if (!response.ok) {
          const code = data.code ? String(data.code) : "error";
          const msg = data.message ? String(data.message) : response.statusText;
          throw new Error(response.status + " " + code + ": " + msg);
        }
        return data;
      }

      async function decide(action, correlationId) {
        try {
          const outcome = await request("/v1/decisions", {
            method: "POST",
            headers: { "Content-Type": "application/json" },
            body: JSON.stringify({ action: action, correlationId: correlationId, actor: getActor() }),
          });
          addOutcome(outcome.status, outcome.correlationId, outcome.path, outcome.actor);
          setStatus(action + " applied", "ok");
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
        refresh();
      }

      function addOutcome(status, correlationId, path, actor) {
        const li = document.createElement("li");
        li.classList.add(String(status || ""));
        li.textContent = "[" + String(status || "-") + "] " + String(correlationId || "-")
          + (path ? " | " + path : "") + (actor ? " | by " + actor : "");
        dom.outcomeFeed.prepend(li);
        while (dom.outcomeFeed.children.length > 40) {
          dom.outcomeFeed.removeChild(dom.outcomeFeed.lastChild);
        }
      }

      function renderSubmissions(items) {
        dom.submissionRows.innerHTML = "";
        if (!Array.isArray(items) || items.length === 0) {
          const tr = document.createElement("tr");
          tr.innerHTML = "<td colspan=\"5\">No pending submissions</td>";
          dom.submissionRows.appendChild(tr);
          return;
        }
        items.forEach((item) => {
          const tr = document.createElement("tr");

          const pathTd = document.createElement("td");
          pathTd.className = "mono";
          pathTd.textContent = String(item.candidatePath || "-");
          tr.appendChild(pathTd);

          const categoryTd = document.createElement("td");
          categoryTd.textContent = String(item.targetCategory || "-");
          tr.appendChild(categoryTd);

          const submitterTd = document.createElement("td");
          submitterTd.textContent = String(item.submitter || "-");
          tr.appendChild(submitterTd);

          const stateTd = document.createElement("td");
          const badge = document.createElement("span");
          if (String(item.state) === "failed") {
            badge.className = "badge failed";
            badge.textContent = "failed";
          } else if (item.duplicateExisting) {
            badge.className = "badge dup";
            badge.textContent = "duplicate";
          } else {
            badge.className = "badge new";
            badge.textContent = "new";
          }
          stateTd.appendChild(badge);
          tr.appendChild(stateTd);

          const actionsTd = document.createElement("td");
          const wrap = document.createElement("div");
          wrap.className = "actions";
          const actions = item.duplicateExisting
            ? ["approve_new_name", "overwrite", "cancel"]
            : ["approve", "reject"];
          if (String(item.state) === "pending") {
            actions.forEach((action) => {
              const btn = document.createElement("button");
              btn.type = "button";
              btn.className = (action === "reject" || action === "cancel") ? "btn-danger" : "btn-primary";
              btn.textContent = actionLabels[action] || action;
              btn.addEventListener("click", function () {
                decide(action, String(item.correlationId || ""));
              });
              wrap.appendChild(btn);
            });
          } else {
            wrap.textContent = String(item.state || "-");
          }
          actionsTd.appendChild(wrap);
          tr.appendChild(actionsTd);

          dom.submissionRows.appendChild(tr);
        });
      }

      async function refresh() {
        try {
          const [status, submissions] = await Promise.all([
            request("/v1/status"),
            request("/v1/submissions"),
          ]);
          dom.pendingTotal.textContent = String(status.pendingTotal || 0);
          dom.finalizedTotal.textContent = String(status.finalizedTotal || 0);
          dom.rejectedTotal.textContent = String(status.rejectedTotal || 0);
          dom.failedTotal.textContent = String(status.failedTotal || 0);
          dom.dedupedTotal.textContent = String(status.dedupedTotal || 0);
          renderSubmissions(submissions.items || []);
          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "ok");
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      function connectStream() {
        const proto = window.location.protocol === "https:" ? "wss://" : "ws://";
        const socket = new WebSocket(proto + window.location.host + "/v1/events/stream");
        socket.addEventListener("open", function () {
          dom.streamState.textContent = "connected";
        });
        socket.addEventListener("message", function (event) {
          try {
            const payload = JSON.parse(event.data);
            if (payload.type === "outcome") {
              addOutcome(payload.status, payload.correlationId, payload.path, payload.actor);
            }
            refresh();
          } catch (err) {
            // Ignore malformed frames.
          }
        });
        socket.addEventListener("close", function () {
          dom.streamState.textContent = "reconnecting";
          setTimeout(connectStream, 3000);
        });
      }

      function ensureTimer() {
        if (store.timer) {
          clearInterval(store.timer);
          store.timer = null;
        }
        if (!store.paused) {
          store.timer = setInterval(refresh, store.intervalMs);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.toggle.addEventListener("click", function () {
        store.paused = !store.paused;
        dom.toggle.textContent = store.paused ? "Resume Auto" : "Pause Auto";
        ensureTimer();
      });

      dom.actor.value = window.localStorage.getItem("artgate_dashboard_actor") || "";
      dom.actor.addEventListener("change", function () {
        window.localStorage.setItem("artgate_dashboard_actor", getActor());
      });

      ensureTimer();
      connectStream();
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
