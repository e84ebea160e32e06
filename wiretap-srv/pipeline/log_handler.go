package pipeline

import (
	"github.com/codefionn/wiretap/wiretap-srv/logger"
	"github.com/codefionn/wiretap/wiretap-srv/message"
)

// LogHandler writes every callback to the debug log.
type LogHandler struct{}

func (LogHandler) Failed(err error) {
	logger.Debug("Transaction failed: %v", err)
}

func (LogHandler) FailedRequest(req *message.Request, err error) {
	logger.Debug("Request %s failed: %v", req.StartLine(), err)
}

func (LogHandler) FailedResponse(resp *message.Response, req *message.Request, err error) {
	logger.Debug("Response %s for %s failed: %v", resp.StartLine(), req.StartLine(), err)
}

func (LogHandler) ReceivedRequest(req *message.Request) {
	logger.Debug("Received request %s from %s:%d for %s", req.StartLine(), req.FromHost, req.FromPort, req.ToAddr())
}

func (LogHandler) ReceivedResponse(resp *message.Response, req *message.Request) {
	logger.Debug("Received response %s (%d bytes) for %s", resp.StartLine(), len(resp.Body()), req.StartLine())
}
