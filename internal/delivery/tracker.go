package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/store"
)

type row struct {
	MessageID   int64          `db:"message_id"`
	Recipient   string         `db:"recipient"`
	State       string         `db:"state"`
	Reason      sql.NullString `db:"reason"`
	Date        sql.NullString `db:"date"`
	LockHolder  sql.NullString `db:"lock_holder"`
	LockExpires sql.NullString `db:"lock_expires"`
}

func (r *row) delivery() Delivery {
	d := Delivery{
		MessageID:  r.MessageID,
		Recipient:  r.Recipient,
		State:      State(r.State),
		LockHolder: r.LockHolder.String,
	}

	if r.Reason.Valid {
		d.Reason = ParseReason(r.Reason.String)
	}

	d.Date = parseTime(r.Date)
	d.LockExpires = parseTime(r.LockExpires)

	return d
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}

	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}

	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const columns = "message_id, recipient, state, reason, date, lock_holder, lock_expires"

// Insert stores the deliveries of a new outgoing message. Only unsent
// deliveries are accepted, and a recipient may appear once per message.
func Insert(ctx context.Context, q store.DBTX, deliveries []Delivery) error {
	for _, d := range deliveries {
		if d.State != Unsent {
			return fmt.Errorf("%w: delivery to %s created as %s", apperrors.ErrInvalidDeliveryTransition, d.Recipient, d.State)
		}

		_, err := q.ExecContext(ctx, "INSERT INTO delivery ("+columns+") VALUES (?, ?, ?, NULL, NULL, ?, ?)",
			d.MessageID, d.Recipient, string(Unsent), nullString(d.LockHolder), nullTime(d.LockExpires))
		if err != nil {
			return fmt.Errorf("inserting delivery of %d to %s: %w", d.MessageID, d.Recipient, err)
		}
	}

	return nil
}

// Load returns the deliveries of a message ordered by recipient.
func Load(ctx context.Context, q store.DBTX, messageID int64) ([]Delivery, error) {
	var rows []row

	err := q.SelectContext(ctx, &rows, "SELECT "+columns+" FROM delivery WHERE message_id = ? ORDER BY recipient", messageID)
	if err != nil {
		return nil, fmt.Errorf("loading deliveries of %d: %w", messageID, err)
	}

	return toDeliveries(rows), nil
}

// LoadAll returns every delivery ordered by message and recipient.
func LoadAll(ctx context.Context, q store.DBTX) ([]Delivery, error) {
	var rows []row

	if err := q.SelectContext(ctx, &rows, "SELECT "+columns+" FROM delivery ORDER BY message_id, recipient"); err != nil {
		return nil, fmt.Errorf("loading deliveries: %w", err)
	}

	return toDeliveries(rows), nil
}

func toDeliveries(rows []row) []Delivery {
	out := make([]Delivery, len(rows))
	for i := range rows {
		out[i] = rows[i].delivery()
	}

	return out
}

// MarkDelivered resolves an unsent recipient as delivered.
func MarkDelivered(ctx context.Context, q store.DBTX, messageID int64, recipient string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE delivery SET state = ?, reason = NULL, date = ?, lock_holder = NULL, lock_expires = NULL
		WHERE message_id = ? AND recipient = ? AND state = ?`,
		string(Delivered), nullTime(at), messageID, recipient, string(Unsent))
	if err != nil {
		return fmt.Errorf("marking delivery of %d to %s delivered: %w", messageID, recipient, err)
	}

	return requireTransition(res, messageID, recipient, Delivered)
}

// MarkFailed resolves an unsent recipient as failed.
func MarkFailed(ctx context.Context, q store.DBTX, messageID int64, recipient string, reason Reason, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE delivery SET state = ?, reason = ?, date = ?, lock_holder = NULL, lock_expires = NULL
		WHERE message_id = ? AND recipient = ? AND state = ?`,
		string(Failed), string(reason), nullTime(at), messageID, recipient, string(Unsent))
	if err != nil {
		return fmt.Errorf("marking delivery of %d to %s failed: %w", messageID, recipient, err)
	}

	return requireTransition(res, messageID, recipient, Failed)
}

func requireTransition(res sql.Result, messageID int64, recipient string, to State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delivery update: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: delivery of %d to %s is not unsent, cannot become %s",
			apperrors.ErrInvalidDeliveryTransition, messageID, recipient, to)
	}

	return nil
}

// Remove deletes all deliveries of a message whose existence has ended.
func Remove(ctx context.Context, q store.DBTX, messageID int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM delivery WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("removing deliveries of %d: %w", messageID, err)
	}

	return nil
}

// UnsentDeliveries returns all recipients still pending, ordered by message and
// recipient so one message's recipients are completed before the next.
func UnsentDeliveries(ctx context.Context, q store.DBTX) ([]Pending, error) {
	var out []Pending

	err := q.SelectContext(ctx, &out,
		"SELECT message_id, recipient FROM delivery WHERE state = ? ORDER BY message_id, recipient", string(Unsent))
	if err != nil {
		return nil, fmt.Errorf("listing unsent deliveries: %w", err)
	}

	return out, nil
}
