// Package adminproto defines the small JSON request/response payloads
// cmd/hmqctl exchanges with a running broker over the same HMQP/2.1
// connection every other peer uses, per SPEC_FULL's "admin CLI talking to
// the broker's introspection surface": a DirectMessage frame targeted at
// the well-known "@admin" client id, keyed by ContentType, answered with a
// Response frame carrying one of the payloads below as JSON content.
//
// No payload schema validation is in scope (spec.md's Non-goals), so
// encoding/json round-tripping these structs is the full extent of
// wire-format enforcement -- a malformed request gets a decode error back
// as an ErrorResponse, nothing more.
package adminproto

// Target is the well-known client id admin requests are addressed to.
const Target = "@admin"

// ContentType codes an admin DirectMessage frame's operation.
const (
	ContentQueueCreate uint16 = 100 + iota
	ContentQueueList
	ContentQueuePause
	ContentQueueDelete
	ContentRouterBind
	ContentNodeList
)

// QueueCreateRequest creates a queue with the given name and options.
// Acknowledge and Status are the string spellings of queue.Acknowledge /
// queue.Status ("none"/"request"/"wait", "running"/"paused"/... ); an
// empty Status defaults to "running".
type QueueCreateRequest struct {
	Name        string `json:"name"`
	Acknowledge string `json:"acknowledge,omitempty"`
	Status      string `json:"status,omitempty"`
}

// QueueInfo is one queue's introspection snapshot.
type QueueInfo struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Depth       int    `json:"depth"`
	Subscribers int    `json:"subscribers"`
}

// QueueListResponse answers ContentQueueList.
type QueueListResponse struct {
	Queues []QueueInfo `json:"queues"`
}

// QueuePauseRequest pauses (Pause=true) or resumes (Pause=false) a queue.
type QueuePauseRequest struct {
	Name  string `json:"name"`
	Pause bool   `json:"pause"`
}

// QueueDeleteRequest deletes a queue by name.
type QueueDeleteRequest struct {
	Name string `json:"name"`
}

// RouterBindRequest registers one binding in a named router's table
// (Router defaults to "default"), mirroring a bindings.yaml entry.
type RouterBindRequest struct {
	Router      string `json:"router,omitempty"`
	Priority    int    `json:"priority"`
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	FirstOnly   bool   `json:"first_only,omitempty"`
	AutoCreate  bool   `json:"auto_create,omitempty"`
	Interaction string `json:"interaction,omitempty"`
}

// NodeInfo is one broker instance's presence snapshot, per
// internal/cluster's Instance (duplicated here rather than imported, to
// keep this wire-payload package free of any broker-side dependency).
type NodeInfo struct {
	NodeID        string  `json:"node_id"`
	Address       string  `json:"address"`
	QueueCount    int     `json:"queue_count"`
	State         string  `json:"state"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// NodeListResponse answers ContentNodeList.
type NodeListResponse struct {
	Nodes []NodeInfo `json:"nodes"`
}

// OKResponse is the generic success payload for requests with nothing
// else to report (create, pause, bind).
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is returned in place of the operation's usual payload
// when the request fails.
type ErrorResponse struct {
	Error string `json:"error"`
}
