package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/raffle_layer/internal/httputil"
	"github.com/R3E-Network/raffle_layer/services/raffle"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	streamBuffer = 64
)

// handleStream upgrades to a websocket and sends every event with
// Seq > after as a JSON text frame, history first and then live events.
// A client the bus drops for falling behind is caught up from the journal
// without gaps or duplicates.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfter(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_after", err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.readPump(conn, cancel)

	log := s.log.WithField("remote", r.RemoteAddr)
	log.WithField("after", after).Debug("event stream opened")

	if err := s.writePump(ctx, conn, after); err != nil {
		log.WithError(err).Debug("event stream closed")
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// readPump discards client frames and cancels the stream once the peer goes
// away or stops answering pings.
func (s *Server) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, after uint64) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	last := after
	send := func(evt raffle.Event) error {
		if evt.Seq <= last {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(evt); err != nil {
			return err
		}
		last = evt.Seq
		return nil
	}

	for {
		ch, unsubscribe := s.svc.Bus().Subscribe(streamBuffer)
		backlog, err := s.svc.Events(ctx, last)
		if err != nil {
			unsubscribe()
			return err
		}
		for _, evt := range backlog {
			if err := send(evt); err != nil {
				unsubscribe()
				return err
			}
		}

	live:
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return ctx.Err()
			case <-s.done:
				unsubscribe()
				return nil
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					unsubscribe()
					return err
				}
			case evt, ok := <-ch:
				if !ok {
					break live
				}
				if err := send(evt); err != nil {
					unsubscribe()
					return err
				}
			}
		}
		unsubscribe()
		s.log.WithField("last_seq", last).Debug("stream subscriber dropped; resyncing from journal")
	}
}
