package proxy

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// handshake headers the dialer writes itself
var wsHandshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
}

const wsCloseGrace = time.Second

// relayWebSocket dials the upstream first, then upgrades the client and
// pumps frames both ways until either side closes.
func (d *Dispatcher) relayWebSocket(w *ResponseWrapper, r *http.Request, call *upstreamCall) {
	logger := d.logger.WithContext(r.Context()).With(
		log.String("service", call.service),
		log.String("target", call.key),
	)

	header := r.Header.Clone()
	for _, k := range wsHandshakeHeaders {
		header.Del(k)
	}
	setForwardedHeaders(header, r)

	upstream, resp, err := d.dialer.DialContext(r.Context(), call.target.String(), header)
	if err != nil {
		if r.Context().Err() != nil {
			logger.Debug("client went away during websocket dial", log.Error(err))
			return
		}
		if resp != nil {
			call.recordStatus(resp.StatusCode)
		} else {
			call.recordFailure()
		}
		d.fail(w, r, &UpstreamError{Target: call.key, Err: err})
		return
	}
	defer upstream.Close()

	respHeader := http.Header{}
	if p := upstream.Subprotocol(); p != "" {
		respHeader.Set("Sec-Websocket-Protocol", p)
	}
	client, err := d.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// the upgrader has answered the client already
		logger.Debug("websocket upgrade failed", log.Error(err))
		return
	}
	defer client.Close()

	call.recordStatus(http.StatusSwitchingProtocols)
	logger.Debug("websocket relay started")

	errc := make(chan error, 2)
	go func() { errc <- d.pumpFrames(upstream, client) }()
	go func() { errc <- d.pumpFrames(client, upstream) }()

	err = <-errc
	// one side is done, closing both unblocks the other pump
	deadline := time.Now().Add(wsCloseGrace)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = client.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = upstream.WriteControl(websocket.CloseMessage, msg, deadline)
	client.Close()
	upstream.Close()
	<-errc

	if err != nil && !isNormalClose(err) {
		logger.Debug("websocket relay ended", log.Error(err))
	}
}

// pumpFrames copies messages from src to dst. Close frames are forwarded
// with their original code.
func (d *Dispatcher) pumpFrames(dst, src *websocket.Conn) error {
	bufp := d.buffers.Get().(*[]byte)
	defer d.buffers.Put(bufp)

	for {
		mt, rd, err := src.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				msg := websocket.FormatCloseMessage(ce.Code, ce.Text)
				if ce.Code == websocket.CloseNoStatusReceived {
					msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				}
				_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
			}
			return err
		}

		wr, err := dst.NextWriter(mt)
		if err != nil {
			return err
		}
		if _, err := io.CopyBuffer(wr, rd, *bufp); err != nil {
			wr.Close()
			return err
		}
		if err := wr.Close(); err != nil {
			return err
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
