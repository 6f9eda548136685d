package hub

import "context"

// Conn is the part of a SockJS session the hub needs.
type Conn interface {
	Recv() (string, error)
	Send(msg string) error
	Close(status uint32, reason string) error
}

// ClinicChecker reports whether a clinic exists.
type ClinicChecker func(ctx context.Context, clinicID string) (bool, error)

// Serve registers conn as a client and processes its subscribe messages until
// the connection ends.
func (h *Hub) Serve(ctx context.Context, conn Conn, clinicExists ClinicChecker) {
	client := h.NewClient()
	defer h.Unregister(client)

	go func() {
		for msg := range client.Send {
			if err := conn.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		raw, err := conn.Recv()
		if err != nil {
			return
		}
		msg, ok := ParseSubscribe([]byte(raw))
		if !ok {
			_ = conn.Close(CloseInvalidSubscription, "invalid subscription")
			return
		}
		if msg.Action == "unsubscribe" {
			h.UpdateSubscription(client, Subscription{})
			continue
		}
		if clinicExists != nil {
			exists, err := clinicExists(ctx, msg.ClinicID)
			if err != nil {
				h.logger.Error().Err(err).Str("clinic_id", msg.ClinicID).Msg("clinic lookup failed")
				_ = conn.Close(CloseUnknownClinic, "clinic lookup failed")
				return
			}
			if !exists {
				_ = conn.Close(CloseUnknownClinic, "unknown clinic")
				return
			}
		}
		h.UpdateSubscription(client, msg.Subscription())
		h.logger.Debug().Str("client_id", client.ID).Str("clinic_id", msg.ClinicID).Msg("realtime subscription updated")
	}
}
