package parser

import (
	"bufio"
	"bytes"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/usagehub/usagehub/internal/store"
)

const (
	initialScanBufSize = 64 * 1024        // 64KB
	maxScanTokenSize   = 20 * 1024 * 1024 // 20MB
)

// keymap names the multi-word payload fields under one naming
// convention. Single-word fields (id, role, provider, model, agent,
// mode, variant, cwd, project, cost, files) are spelled the same in
// both conventions.
type keymap struct {
	sessionID   string
	createdAt   string
	completedAt string
	projectRoot string
	inputToks   string
	outputToks  string
	reasonToks  string
	cacheRead   string
	cacheWrite  string
	linesAdded  string
	linesDel    string
	finish      string
}

// Conventions are tried in order: camelCase first, snake_case
// second. First one that decodes the required fields wins.
var keymaps = []keymap{
	{
		sessionID: "sessionId", createdAt: "createdAt",
		completedAt: "completedAt", projectRoot: "projectRoot",
		inputToks: "inputTokens", outputToks: "outputTokens",
		reasonToks: "reasoningTokens", cacheRead: "cacheReadTokens",
		cacheWrite: "cacheWriteTokens", linesAdded: "linesAdded",
		linesDel: "linesDeleted", finish: "finishReason",
	},
	{
		sessionID: "session_id", createdAt: "created_at",
		completedAt: "completed_at", projectRoot: "project_root",
		inputToks: "input_tokens", outputToks: "output_tokens",
		reasonToks: "reasoning_tokens", cacheRead: "cache_read_tokens",
		cacheWrite: "cache_write_tokens", linesAdded: "lines_added",
		linesDel: "lines_deleted", finish: "finish_reason",
	},
}

// Parse is the JSON adapter: it decodes one raw payload into
// events, trying whole-payload JSON first and falling back to
// line-delimited JSON. A payload matching no known form yields zero
// events and a *ParseError.
func Parse(source string, raw []byte) ([]store.Event, error) {
	if gjson.ValidBytes(raw) {
		return parseValue(source, gjson.ParseBytes(raw))
	}
	return parseLines(source, raw)
}

// parseValue tries the payload forms in priority order: a single
// event object, an array of event objects, then a session-summary
// wrapper. First form that yields at least one event wins.
func parseValue(
	source string, root gjson.Result,
) ([]store.Event, error) {
	if e, ok := decodeEvent(root, source); ok {
		return []store.Event{e}, nil
	}
	if evs, ok := decodeArray(root, source); ok {
		return evs, nil
	}
	if evs, ok := decodeSummary(root, source); ok {
		return evs, nil
	}
	return nil, &ParseError{
		Source: source,
		Reason: "payload matched no known form",
	}
}

// parseLines decodes a line-delimited payload, one event object per
// line. Blank and malformed lines are skipped; a payload with
// candidate lines but no decodable events is a parse failure.
func parseLines(source string, raw []byte) ([]store.Event, error) {
	var events []store.Event
	sawLine := false

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(
		make([]byte, 0, initialScanBufSize), maxScanTokenSize,
	)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		sawLine = true
		if !gjson.Valid(line) {
			continue
		}
		if e, ok := decodeEvent(gjson.Parse(line), source); ok {
			events = append(events, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{
			Source: source, Reason: "reading payload", Err: err,
		}
	}
	if len(events) == 0 && sawLine {
		return nil, &ParseError{
			Source: source,
			Reason: "no decodable lines in payload",
		}
	}
	return events, nil
}

func decodeArray(
	root gjson.Result, source string,
) ([]store.Event, bool) {
	if !root.IsArray() {
		return nil, false
	}
	var events []store.Event
	for _, el := range root.Array() {
		if e, ok := decodeEvent(el, source); ok {
			events = append(events, e)
		}
	}
	return events, len(events) > 0
}

// decodeSummary handles the session-summary payload: a wrapper
// object carrying session-level metadata plus either a nested list
// of event records or, failing that, session-level totals that
// stand in for a single event. Nested records inherit the wrapper's
// session id, provider and model when they omit their own.
func decodeSummary(
	root gjson.Result, source string,
) ([]store.Event, bool) {
	if !root.IsObject() {
		return nil, false
	}
	sess := root.Get("session")
	if !sess.IsObject() {
		sess = root
	}
	sid := sess.Get("id").Str
	if sid == "" {
		sid = pick(root, "sessionId", "session_id").Str
	}
	if sid == "" {
		return nil, false
	}

	list := root.Get("events")
	if !list.IsArray() {
		list = root.Get("messages")
	}
	if list.IsArray() {
		var events []store.Event
		for _, el := range list.Array() {
			// Nested records inherit the wrapper's session id when
			// they omit their own.
			var e store.Event
			var ok bool
			for _, k := range keymaps {
				if e, ok = decodeEventWith(el, k, source, "", sid); ok {
					break
				}
			}
			if !ok {
				continue
			}
			if e.Provider == "" {
				e.Provider = sess.Get("provider").Str
			}
			if e.Model == "" {
				e.Model = sess.Get("model").Str
			}
			events = append(events, e)
		}
		return events, len(events) > 0
	}

	// Summary-only payload: the wrapper's totals become one event
	// keyed by the session id itself.
	e, ok := decodeEventWith(sess, keymaps[0], source, sid, sid)
	if !ok {
		e, ok = decodeEventWith(sess, keymaps[1], source, sid, sid)
	}
	if !ok {
		return nil, false
	}
	return []store.Event{e}, true
}

// decodeEvent tries each naming convention in order and accepts the
// first that yields the required fields (id, session id, role).
func decodeEvent(
	v gjson.Result, source string,
) (store.Event, bool) {
	for _, k := range keymaps {
		if e, ok := decodeEventWith(v, k, source, "", ""); ok {
			return e, true
		}
	}
	return store.Event{}, false
}

func decodeEventWith(
	v gjson.Result, k keymap, source, fallbackID, fallbackSID string,
) (store.Event, bool) {
	if !v.IsObject() {
		return store.Event{}, false
	}
	e := store.Event{
		ID:               v.Get("id").Str,
		SessionID:        v.Get(k.sessionID).Str,
		Role:             v.Get("role").Str,
		CreatedAt:        parseTime(v.Get(k.createdAt)),
		CompletedAt:      parseTime(v.Get(k.completedAt)),
		Provider:         v.Get("provider").Str,
		Model:            v.Get("model").Str,
		Agent:            v.Get("agent").Str,
		Mode:             v.Get("mode").Str,
		Variant:          v.Get("variant").Str,
		Cwd:              v.Get("cwd").Str,
		ProjectRoot:      v.Get(k.projectRoot).Str,
		Project:          v.Get("project").Str,
		Source:           source,
		InputTokens:      v.Get(k.inputToks).Int(),
		OutputTokens:     v.Get(k.outputToks).Int(),
		ReasoningTokens:  v.Get(k.reasonToks).Int(),
		CacheReadTokens:  v.Get(k.cacheRead).Int(),
		CacheWriteTokens: v.Get(k.cacheWrite).Int(),
		Cost:             v.Get("cost").Float(),
		LinesAdded:       v.Get(k.linesAdded).Int(),
		LinesDeleted:     v.Get(k.linesDel).Int(),
		FinishReason:     v.Get(k.finish).Str,
	}
	if e.ID == "" {
		e.ID = fallbackID
	}
	if e.SessionID == "" {
		e.SessionID = fallbackSID
	}
	if e.Role == "" && fallbackID != "" {
		// Summary-only payloads carry no per-message role.
		e.Role = "assistant"
	}
	if e.ID == "" || e.SessionID == "" || e.Role == "" {
		return store.Event{}, false
	}

	if files := v.Get("files"); files.IsArray() {
		for _, f := range files.Array() {
			if f.Str != "" {
				e.Files = append(e.Files, f.Str)
			}
		}
	}
	e.FileCount = v.Get("file_count").Int()
	if e.FileCount == 0 {
		e.FileCount = v.Get("fileCount").Int()
	}
	if e.FileCount == 0 {
		e.FileCount = int64(len(e.Files))
	}
	if e.Agent == "" {
		e.Agent = source
	}
	if e.Project == "" {
		e.Project = InferProject(e.ProjectRoot, e.Cwd)
	}
	return e, true
}

// parseTime accepts an epoch timestamp number (milliseconds, or
// seconds for values too small to be milliseconds) or an RFC 3339
// string, returning epoch milliseconds.
func parseTime(v gjson.Result) int64 {
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		if n > 0 && n < 1e12 {
			return n * 1000 // epoch seconds
		}
		return n
	case gjson.String:
		if t, err := time.Parse(time.RFC3339, v.Str); err == nil {
			return t.UnixMilli()
		}
		if t, err := time.Parse(
			time.RFC3339Nano, v.Str,
		); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

func pick(v gjson.Result, names ...string) gjson.Result {
	for _, name := range names {
		if r := v.Get(name); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}
