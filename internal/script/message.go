package script

import "ggg/pkg/models"

// request is the sealed set of messages the broker's single executor
// goroutine consumes, mirroring the original Rust ScriptRequest enum: sync
// hooks carry a one-shot reply channel, async hooks and Reload do not (or,
// for Reload, carry a reply but never drop it under backpressure).
type request interface{ isRequest() }

type beforeRequestReq struct {
	ctx      models.BeforeRequestContext
	files    map[string]bool
	reply    chan beforeRequestReply
}
type beforeRequestReply struct {
	ctx models.BeforeRequestContext
	err error
}

type headersReceivedReq struct {
	ctx   models.HeadersReceivedContext
	files map[string]bool
	reply chan error
}

type authRequiredReq struct {
	ctx   models.AuthRequiredContext
	files map[string]bool
	reply chan authRequiredReply
}
type authRequiredReply struct {
	ctx models.AuthRequiredContext
	err error
}

type completedReq struct {
	ctx   models.CompletedContext
	files map[string]bool
	reply chan completedReply
}
type completedReply struct {
	ctx models.CompletedContext
	err error
}

type progressReq struct {
	ctx   models.ProgressContext
	files map[string]bool
}

type errorReq struct {
	ctx   models.ErrorContext
	files map[string]bool
}

type reloadReq struct {
	reply chan error
}

type listFilesReq struct {
	reply chan []string
}

func (beforeRequestReq) isRequest()   {}
func (headersReceivedReq) isRequest() {}
func (authRequiredReq) isRequest()    {}
func (completedReq) isRequest()       {}
func (progressReq) isRequest()        {}
func (errorReq) isRequest()           {}
func (reloadReq) isRequest()          {}
func (listFilesReq) isRequest()       {}
