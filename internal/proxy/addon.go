package proxy

import (
	"os"
	"path/filepath"
)

// addonScript is the companion loaded into mitmdump with -s. It speaks the
// JSON-lines protocol of wire.go: flow and status events on stdout, commands
// on stdin. Stdout must carry nothing else, so mitmdump runs with -q.
const addonScript = `"""Quern interception companion.

Runs inside mitmdump. Emits one JSON object per stdout line and accepts one
JSON command per stdin line.
"""
import base64
import fnmatch
import json
import sys
import threading
import uuid

from mitmproxy import ctx, http

INLINE_BODY_LIMIT = 100 * 1024

TEXTUAL = ("text/", "application/json", "application/xml",
           "application/x-www-form-urlencoded", "application/javascript")


def emit(obj):
    sys.stdout.write(json.dumps(obj, separators=(",", ":")) + "\n")
    sys.stdout.flush()


def encode_body(content, content_type):
    if not content:
        return "", "utf-8", 0, False, 0
    full = len(content)
    truncated = full > INLINE_BODY_LIMIT
    chunk = content[:INLINE_BODY_LIMIT] if truncated else content
    textual = any(content_type.startswith(t) for t in TEXTUAL)
    if textual:
        try:
            return chunk.decode("utf-8"), "utf-8", len(chunk), truncated, full
        except UnicodeDecodeError:
            pass
    return base64.b64encode(chunk).decode("ascii"), "base64", len(chunk), truncated, full


def headers_list(headers):
    return [{"name": k, "value": v} for k, v in headers.items(multi=True)]


def flow_record(flow, status):
    req = flow.request
    body, enc, size, trunc, full = encode_body(req.raw_content or b"", req.headers.get("content-type", ""))
    record = {
        "id": flow.metadata.get("quern_id") or str(uuid.uuid4()),
        "timestamp": flow.request.timestamp_start and
            __import__("datetime").datetime.utcfromtimestamp(flow.request.timestamp_start).isoformat() + "Z",
        "status": status,
        "request": {
            "method": req.method,
            "url": req.pretty_url,
            "scheme": req.scheme,
            "host": req.pretty_host,
            "port": req.port,
            "path": req.path,
            "headers": headers_list(req.headers),
            "body": body,
            "body_size": size,
            "body_truncated": trunc,
            "body_full_size": full if trunc else 0,
            "body_encoding": enc,
        },
        "timing": {},
    }
    flow.metadata["quern_id"] = record["id"]
    if flow.response is not None:
        resp = flow.response
        rbody, renc, rsize, rtrunc, rfull = encode_body(
            resp.raw_content or b"", resp.headers.get("content-type", ""))
        record["response"] = {
            "status_code": resp.status_code,
            "reason": resp.reason or "",
            "headers": headers_list(resp.headers),
            "body": rbody,
            "body_size": rsize,
            "body_truncated": rtrunc,
            "body_full_size": rfull if rtrunc else 0,
            "body_encoding": renc,
        }
        if resp.timestamp_end and req.timestamp_start:
            record["timing"]["total"] = (resp.timestamp_end - req.timestamp_start) * 1000.0
    if flow.error is not None:
        record["status"] = "failed"
        record["error"] = str(flow.error)
    if flow.client_conn and flow.client_conn.tls_version:
        record["tls"] = {"version": flow.client_conn.tls_version,
                         "sni": flow.client_conn.sni or ""}
    return record


class Quern:
    def __init__(self):
        self.lock = threading.Lock()
        self.intercepts = {}   # rule_id -> {pattern, action}
        self.mocks = {}        # rule_id -> {pattern, status_code, headers, body}
        self.held = {}         # flow_id -> flow
        self.replays = {}      # mitm flow id -> replay_id
        threading.Thread(target=self.read_commands, daemon=True).start()

    def running(self):
        emit({"type": "status", "status": "started"})

    def client_connected(self, client):
        emit({"type": "status", "status": "client_connected"})

    # --- command plane -------------------------------------------------

    def read_commands(self):
        for line in sys.stdin:
            line = line.strip()
            if not line:
                continue
            try:
                cmd = json.loads(line)
                self.dispatch(cmd)
            except Exception as exc:  # keep the loop alive
                emit({"type": "status", "status": "error", "detail": str(exc)})

    def dispatch(self, cmd):
        name = cmd.get("command")
        with self.lock:
            if name == "set_intercept":
                rid = cmd.get("rule_id") or str(uuid.uuid4())
                self.intercepts[rid] = {"pattern": cmd["pattern"],
                                        "action": cmd.get("action", "pause_request")}
                emit({"type": "status", "status": "rule_echo", "rule_id": rid})
            elif name == "clear_intercept":
                rid = cmd.get("rule_id")
                if rid:
                    self.intercepts.pop(rid, None)
                else:
                    self.intercepts.clear()
                emit({"type": "status", "status": "rule_echo", "rule_id": rid or ""})
            elif name == "set_mock" or name == "update_mock":
                rid = cmd.get("rule_id") or str(uuid.uuid4())
                mock = self.mocks.get(rid, {})
                for key in ("pattern", "status_code", "headers", "body"):
                    if key in cmd and cmd[key] is not None:
                        mock[key] = cmd[key]
                self.mocks[rid] = mock
                emit({"type": "status", "status": "rule_echo", "rule_id": rid})
            elif name == "clear_mocks":
                rid = cmd.get("rule_id")
                if rid:
                    self.mocks.pop(rid, None)
                else:
                    self.mocks.clear()
                emit({"type": "status", "status": "rule_echo", "rule_id": rid or ""})
            elif name == "release":
                self.release(cmd.get("flow_id"), cmd.get("modifications"))
            elif name == "drop":
                flow = self.held.pop(cmd.get("flow_id"), None)
                if flow is not None:
                    flow.kill()
                    flow.resume()
            elif name == "set_filter":
                ctx.options.update(view_filter=cmd.get("filter") or "")
            elif name == "replay":
                self.replay(cmd.get("flow_id"), cmd.get("replay_id"),
                            cmd.get("modifications"))

    def release(self, flow_id, mods):
        flow = self.held.pop(flow_id, None)
        if flow is None:
            return
        if mods:
            self.apply_mods(flow, mods)
        flow.resume()

    def apply_mods(self, flow, mods):
        target = flow.response if flow.response is not None else flow.request
        for h in mods.get("headers") or []:
            target.headers[h["name"]] = h["value"]
        if mods.get("body") is not None:
            target.text = mods["body"]
        if mods.get("status_code") and flow.response is not None:
            flow.response.status_code = mods["status_code"]
        if mods.get("url") and flow.response is None:
            flow.request.url = mods["url"]

    def replay(self, flow_id, replay_id, mods):
        import copy
        original = None
        for f in ctx.master.view if hasattr(ctx.master, "view") else []:
            if f.metadata.get("quern_id") == flow_id:
                original = f
                break
        if original is None:
            emit({"type": "status", "status": "error",
                  "detail": "replay: unknown flow " + str(flow_id)})
            return
        dup = original.copy()
        dup.metadata["quern_id"] = replay_id
        if mods:
            self.apply_mods(dup, mods)
        dup.response = None
        ctx.master.commands.call("replay.client", [dup])
        self.replays[dup.id] = replay_id

    # --- flow plane ----------------------------------------------------

    def match(self, rules, flow):
        url = flow.request.pretty_url
        for rid, rule in rules.items():
            if fnmatch.fnmatch(url, rule["pattern"]) or rule["pattern"] in url:
                return rid, rule
        return None, None

    def request(self, flow):
        with self.lock:
            rid, mock = self.match(self.mocks, flow)
            if mock is not None:
                headers = {h["name"]: h["value"] for h in mock.get("headers") or []}
                flow.response = http.Response.make(
                    mock.get("status_code", 200), mock.get("body", ""), headers)
                flow.metadata["quern_mock"] = rid
                return
            rid, rule = self.match(self.intercepts, flow)
            if rule is not None and rule["action"] == "pause_request":
                flow.intercept()
                record = flow_record(flow, "pending")
                self.held[record["id"]] = flow
                emit({"type": "flow", "flow": record})
                emit({"type": "status", "status": "held",
                      "flow_id": record["id"], "phase": "request"})

    def response(self, flow):
        with self.lock:
            rid, rule = self.match(self.intercepts, flow)
            if rule is not None and rule["action"] == "pause_response" and not flow.intercepted:
                flow.intercept()
                record = flow_record(flow, "pending")
                self.held[record["id"]] = flow
                emit({"type": "flow", "flow": record})
                emit({"type": "status", "status": "held",
                      "flow_id": record["id"], "phase": "response"})
                return
        emit({"type": "flow", "flow": flow_record(flow, "complete")})

    def error(self, flow):
        emit({"type": "flow", "flow": flow_record(flow, "failed")})


addons = [Quern()]
`

// writeAddon persists the companion script under dir and returns its path.
func writeAddon(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	var path = filepath.Join(dir, "quern_addon.py")
	if err := os.WriteFile(path, []byte(addonScript), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
