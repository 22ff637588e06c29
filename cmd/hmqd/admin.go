package main

import (
	"encoding/json"

	"github.com/twino-framework/twino-mq/internal/adminproto"
	"github.com/twino-framework/twino-mq/internal/message"
	"github.com/twino-framework/twino-mq/internal/queue"
	"github.com/twino-framework/twino-mq/internal/router"
)

// handleAdmin answers one cmd/hmqctl request addressed to "@admin",
// dispatching on ContentType and replying with a Response frame carrying
// the JSON result (or an adminproto.ErrorResponse) as content, correlated
// by the request's message id the same way a producer's Request call is.
func (c *conn) handleAdmin(m *message.Message) {
	var payload interface{}
	var err error

	switch m.ContentType {
	case adminproto.ContentQueueCreate:
		payload, err = c.adminQueueCreate(m.Content)
	case adminproto.ContentQueueList:
		payload, err = c.adminQueueList()
	case adminproto.ContentQueuePause:
		payload, err = c.adminQueuePause(m.Content)
	case adminproto.ContentQueueDelete:
		payload, err = c.adminQueueDelete(m.Content)
	case adminproto.ContentRouterBind:
		payload, err = c.adminRouterBind(m.Content)
	case adminproto.ContentNodeList:
		payload, err = c.adminNodeList()
	default:
		err = errUnknownContentType
	}

	if err != nil {
		payload = adminproto.ErrorResponse{Error: err.Error()}
	}

	resp := message.New(message.TypeResponse, m.ContentType)
	resp.MessageID = m.MessageID
	resp.Source = adminproto.Target
	resp.Target = c.id
	body, merr := json.Marshal(payload)
	if merr != nil {
		body, _ = json.Marshal(adminproto.ErrorResponse{Error: merr.Error()})
	}
	resp.SetContent(body)
	c.Send(resp)
}

var errUnknownContentType = &adminError{"unknown admin content type"}

type adminError struct{ msg string }

func (e *adminError) Error() string { return e.msg }

func (c *conn) adminQueueCreate(body []byte) (interface{}, error) {
	var req adminproto.QueueCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	opts := queue.Options{Status: queue.StatusRunning}
	if req.Status != "" {
		status, ok := queue.ParseStatus(req.Status)
		if !ok {
			return nil, &adminError{"unknown queue status " + req.Status}
		}
		opts.Status = status
	}
	switch req.Acknowledge {
	case "", "none":
		opts.Acknowledge = queue.AckNone
	case "request":
		opts.Acknowledge = queue.AckJustRequest
	case "wait":
		opts.Acknowledge = queue.AckWaitForAcknowledge
	default:
		return nil, &adminError{"unknown acknowledge policy " + req.Acknowledge}
	}

	if _, err := c.srv.b.CreateQueue(req.Name, opts); err != nil {
		return nil, err
	}
	return adminproto.OKResponse{OK: true}, nil
}

func (c *conn) adminQueueList() (interface{}, error) {
	resp := adminproto.QueueListResponse{}
	for _, name := range c.srv.b.QueueNames() {
		q, ok := c.srv.b.Queue(name)
		if !ok {
			continue
		}
		resp.Queues = append(resp.Queues, adminproto.QueueInfo{
			Name:        q.Name(),
			Status:      q.Status().String(),
			Depth:       q.Len(),
			Subscribers: q.SubscriberCount(),
		})
	}
	return resp, nil
}

func (c *conn) adminQueuePause(body []byte) (interface{}, error) {
	var req adminproto.QueuePauseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	q, ok := c.srv.b.Queue(req.Name)
	if !ok {
		return nil, &adminError{"no such queue " + req.Name}
	}
	if req.Pause {
		q.SetStatus(queue.StatusPaused)
	} else {
		q.SetStatus(queue.StatusRunning)
	}
	return adminproto.OKResponse{OK: true}, nil
}

func (c *conn) adminQueueDelete(body []byte) (interface{}, error) {
	var req adminproto.QueueDeleteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if err := c.srv.b.DeleteQueue(req.Name); err != nil {
		return nil, err
	}
	return adminproto.OKResponse{OK: true}, nil
}

func (c *conn) adminRouterBind(body []byte) (interface{}, error) {
	var req adminproto.RouterBindRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	kind, err := router.ParseTargetKind(req.Kind)
	if err != nil {
		return nil, err
	}
	interaction, err := router.ParseInteraction(req.Interaction)
	if err != nil {
		return nil, err
	}
	if req.Target == "" {
		return nil, &adminError{"binding target must not be empty"}
	}

	routerName := req.Router
	if routerName == "" {
		routerName = "default"
	}
	r := c.srv.b.Router(routerName, c.srv)
	r.Bind(&router.Binding{
		Priority:    req.Priority,
		Kind:        kind,
		Target:      req.Target,
		FirstOnly:   req.FirstOnly,
		AutoCreate:  req.AutoCreate,
		Interaction: interaction,
	})
	return adminproto.OKResponse{OK: true}, nil
}

func (c *conn) adminNodeList() (interface{}, error) {
	resp := adminproto.NodeListResponse{}
	reg := c.srv.b.ClusterRegistry()
	if reg == nil {
		return resp, nil
	}
	for _, inst := range reg.InstanceList() {
		resp.Nodes = append(resp.Nodes, adminproto.NodeInfo{
			NodeID:        inst.NodeID,
			Address:       inst.Address,
			QueueCount:    inst.QueueCount,
			State:         string(inst.State),
			UptimeSeconds: inst.Uptime().Seconds(),
		})
	}
	return resp, nil
}
