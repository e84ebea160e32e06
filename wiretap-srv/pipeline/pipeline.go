// Package pipeline defines the processor and handler contracts consulted for
// every proxied exchange, and the registry that holds them.
package pipeline

import (
	"github.com/codefionn/wiretap/wiretap-srv/message"
)

// Processor inspects and possibly transforms a message on its way through the proxy.
type Processor interface {
	// ContinueProcessing is asked before Process; false ends the pipeline
	// without dropping the message.
	ContinueProcessing(msg message.HTTPMessage) bool
	// ShouldSend is asked on the result of Process; false drops the message.
	ShouldSend(msg message.HTTPMessage) bool
	// Process returns the message to continue with.
	Process(msg message.HTTPMessage) message.HTTPMessage
}

// Handler observes received messages and failures.
type Handler interface {
	Failed(err error)
	FailedRequest(req *message.Request, err error)
	FailedResponse(resp *message.Response, req *message.Request, err error)
	ReceivedRequest(req *message.Request)
	ReceivedResponse(resp *message.Response, req *message.Request)
}

// Outcome describes how a pipeline run ended.
type Outcome int

const (
	// Pass means every processor ran and agreed to send.
	Pass Outcome = iota
	// ShortCircuit means a processor declined to continue; the message is still sent.
	ShortCircuit
	// Drop means a processor vetoed sending; the returned message is nil.
	Drop
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case ShortCircuit:
		return "short-circuit"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Run passes msg through processors in order.
func Run(processors []Processor, msg message.HTTPMessage) (message.HTTPMessage, Outcome) {
	for _, p := range processors {
		if !p.ContinueProcessing(msg) {
			return msg, ShortCircuit
		}
		msg = p.Process(msg)
		if msg == nil || !p.ShouldSend(msg) {
			return nil, Drop
		}
	}
	return msg, Pass
}

// HandlerFuncs adapts optional callbacks to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnFailed           func(err error)
	OnFailedRequest    func(req *message.Request, err error)
	OnFailedResponse   func(resp *message.Response, req *message.Request, err error)
	OnReceivedRequest  func(req *message.Request)
	OnReceivedResponse func(resp *message.Response, req *message.Request)
}

func (h HandlerFuncs) Failed(err error) {
	if h.OnFailed != nil {
		h.OnFailed(err)
	}
}

func (h HandlerFuncs) FailedRequest(req *message.Request, err error) {
	if h.OnFailedRequest != nil {
		h.OnFailedRequest(req, err)
	}
}

func (h HandlerFuncs) FailedResponse(resp *message.Response, req *message.Request, err error) {
	if h.OnFailedResponse != nil {
		h.OnFailedResponse(resp, req, err)
	}
}

func (h HandlerFuncs) ReceivedRequest(req *message.Request) {
	if h.OnReceivedRequest != nil {
		h.OnReceivedRequest(req)
	}
}

func (h HandlerFuncs) ReceivedResponse(resp *message.Response, req *message.Request) {
	if h.OnReceivedResponse != nil {
		h.OnReceivedResponse(resp, req)
	}
}

// ProcessorFunc turns a transform into a Processor that always continues and sends.
type ProcessorFunc func(msg message.HTTPMessage) message.HTTPMessage

func (f ProcessorFunc) ContinueProcessing(message.HTTPMessage) bool { return true }
func (f ProcessorFunc) ShouldSend(message.HTTPMessage) bool         { return true }
func (f ProcessorFunc) Process(msg message.HTTPMessage) message.HTTPMessage {
	return f(msg)
}
