package impl

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
)

const activityColumns = "id, uuid, fid, type, actor_id, payload, creation_date"

func scanActivity(row interface{ Scan(...any) error }) (domain.Activity, error) {
	var a domain.Activity
	var id string
	var fid sql.NullString
	var payload string
	var created sql.NullInt64

	err := row.Scan(&a.ID, &id, &fid, &a.Type, &a.ActorID, &payload, &created)
	if err != nil {
		return a, err
	}
	a.Uuid, err = uuid.Parse(id)
	if err != nil {
		return a, fmt.Errorf("corrupt activity uuid %q: %w", id, err)
	}
	a.Fid = parseURL(fid)
	a.Payload = []byte(payload)
	a.CreationDate = fromUnix(created)
	return a, nil
}

func (d *dbImpl) CreateActivity(ctx context.Context, activity domain.Activity) (domain.Activity, error) {
	if activity.Uuid == uuid.Nil {
		activity.Uuid = uuid.New()
	}
	res, err := d.db.ExecContext(ctx,
		"INSERT INTO activities (uuid, fid, type, actor_id, payload) VALUES (?,?,?,?,?)",
		activity.Uuid.String(), urlString(activity.Fid), activity.Type,
		activity.ActorID, string(activity.Payload))
	if err != nil {
		return domain.Activity{}, d.HandleError(err)
	}
	activity.ID, err = res.LastInsertId()
	return activity, d.HandleError(err)
}

func (d *dbImpl) GetActivityByID(ctx context.Context, id int64) (domain.Activity, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+activityColumns+" FROM activities WHERE id = ?", id)
	a, err := scanActivity(row)
	return a, d.HandleError(err)
}

func (d *dbImpl) GetActivityByFid(ctx context.Context, fid *url.URL) (domain.Activity, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+activityColumns+" FROM activities WHERE fid = ?", fid.String())
	a, err := scanActivity(row)
	return a, d.HandleError(err)
}

func (d *dbImpl) ActivitiesForActor(ctx context.Context, actorID, offset, limit int64) ([]domain.Activity, int64, error) {
	var total int64
	row := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM activities WHERE actor_id = ?", actorID)
	if err := row.Scan(&total); err != nil {
		return nil, 0, d.HandleError(err)
	}

	rows, err := d.db.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities
		WHERE actor_id = ?
		ORDER BY creation_date DESC, id DESC LIMIT ? OFFSET ?`, actorID, limit, offset)
	if err != nil {
		return nil, 0, d.HandleError(err)
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, 0, d.HandleError(err)
		}
		activities = append(activities, a)
	}
	return activities, total, d.HandleError(rows.Err())
}

func (d *dbImpl) SetActivityError(ctx context.Context, id int64, message string) error {
	_, err := d.db.ExecContext(ctx, "UPDATE activities SET error = ? WHERE id = ?", message, id)
	return d.HandleError(err)
}

func (d *dbImpl) CreateInboxItems(ctx context.Context, activityID int64, recipients []db.InboxRecipient) error {
	if len(recipients) == 0 {
		return nil
	}
	return d.WithTx(func(tx *sql.Tx) error {
		for _, r := range recipients {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO inbox_items (activity_id, actor_id, type) VALUES (?,?,?)",
				activityID, r.ActorID, r.Type)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *dbImpl) UnreadInboxItems(ctx context.Context, activityID int64) ([]domain.InboxItem, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, activity_id, actor_id, type, is_read
		FROM inbox_items WHERE activity_id = ? AND is_read = 0 ORDER BY id`, activityID)
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var items []domain.InboxItem
	for rows.Next() {
		var i domain.InboxItem
		if err = rows.Scan(&i.ID, &i.ActivityID, &i.ActorID, &i.Type, &i.IsRead); err != nil {
			return nil, d.HandleError(err)
		}
		items = append(items, i)
	}
	return items, d.HandleError(rows.Err())
}

func (d *dbImpl) MarkInboxItemRead(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, "UPDATE inbox_items SET is_read = 1 WHERE id = ?", id)
	return d.HandleError(err)
}

func (d *dbImpl) CreateDeliveries(ctx context.Context, activityID int64, inboxUrls []string, nextAttempt time.Time) error {
	if len(inboxUrls) == 0 {
		return nil
	}
	return d.WithTx(func(tx *sql.Tx) error {
		for _, u := range inboxUrls {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO deliveries (activity_id, inbox_url, next_attempt_date) VALUES (?,?,?)",
				activityID, u, nextAttempt.Unix())
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func scanDelivery(row interface{ Scan(...any) error }) (domain.Delivery, error) {
	var dl domain.Delivery
	var inbox string
	var lastAttempt, nextAttempt sql.NullInt64

	err := row.Scan(&dl.ID, &dl.ActivityID, &inbox, &dl.Attempts,
		&lastAttempt, &nextAttempt, &dl.IsDelivered, &dl.Terminal)
	if err != nil {
		return dl, err
	}
	dl.InboxUrl, err = url.Parse(inbox)
	if err != nil {
		return dl, fmt.Errorf("corrupt delivery inbox url %q: %w", inbox, err)
	}
	dl.LastAttemptDate = fromUnix(lastAttempt)
	dl.NextAttemptDate = fromUnix(nextAttempt)
	return dl, nil
}

func (d *dbImpl) DueDeliveries(ctx context.Context, now time.Time, limit int64) ([]domain.Delivery, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, activity_id, inbox_url, attempts,
			last_attempt_date, next_attempt_date, is_delivered, terminal
		FROM deliveries
		WHERE is_delivered = 0 AND terminal = 0
		AND (next_attempt_date IS NULL OR next_attempt_date <= ?)
		ORDER BY next_attempt_date LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var deliveries []domain.Delivery
	for rows.Next() {
		dl, err := scanDelivery(rows)
		if err != nil {
			return nil, d.HandleError(err)
		}
		deliveries = append(deliveries, dl)
	}
	return deliveries, d.HandleError(rows.Err())
}

func (d *dbImpl) MarkDeliverySuccess(ctx context.Context, id int64, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `UPDATE deliveries SET
			is_delivered = 1, attempts = attempts + 1, last_attempt_date = ?
		WHERE id = ?`, at.Unix(), id)
	return d.HandleError(err)
}

func (d *dbImpl) MarkDeliveryFailure(ctx context.Context, id int64, at, next time.Time, terminal bool) error {
	_, err := d.db.ExecContext(ctx, `UPDATE deliveries SET
			attempts = attempts + 1, last_attempt_date = ?, next_attempt_date = ?, terminal = ?
		WHERE id = ?`, at.Unix(), next.Unix(), terminal, id)
	return d.HandleError(err)
}

func (d *dbImpl) CreateFetch(ctx context.Context, fetch domain.Fetch) (domain.Fetch, error) {
	if fetch.Uuid == uuid.Nil {
		fetch.Uuid = uuid.New()
	}
	if fetch.Status == "" {
		fetch.Status = domain.FetchPending
	}
	res, err := d.db.ExecContext(ctx,
		"INSERT INTO fetches (uuid, url, actor_id, status) VALUES (?,?,?,?)",
		fetch.Uuid.String(), fetch.Url, fetch.ActorID, fetch.Status)
	if err != nil {
		return domain.Fetch{}, d.HandleError(err)
	}
	fetch.ID, err = res.LastInsertId()
	return fetch, d.HandleError(err)
}

func (d *dbImpl) GetFetchByID(ctx context.Context, id int64) (domain.Fetch, error) {
	row := d.db.QueryRowContext(ctx, `SELECT id, uuid, url, actor_id, status, detail,
		object_fid, creation_date, fetch_date FROM fetches WHERE id = ?`, id)
	f, err := scanFetch(row)
	return f, d.HandleError(err)
}

func (d *dbImpl) GetFetchByUuid(ctx context.Context, id uuid.UUID) (domain.Fetch, error) {
	row := d.db.QueryRowContext(ctx, `SELECT id, uuid, url, actor_id, status, detail,
		object_fid, creation_date, fetch_date FROM fetches WHERE uuid = ?`, id.String())
	f, err := scanFetch(row)
	return f, d.HandleError(err)
}

func scanFetch(row interface{ Scan(...any) error }) (domain.Fetch, error) {
	var f domain.Fetch
	var uid string
	var detail, objectFid sql.NullString
	var created, fetched sql.NullInt64
	err := row.Scan(&f.ID, &uid, &f.Url, &f.ActorID, &f.Status, &detail,
		&objectFid, &created, &fetched)
	if err != nil {
		return f, err
	}
	f.Uuid, err = uuid.Parse(uid)
	if err != nil {
		return f, fmt.Errorf("corrupt fetch uuid %q: %w", uid, err)
	}
	if detail.Valid {
		f.Detail = []byte(detail.String)
	}
	f.ObjectFid = parseURL(objectFid)
	f.CreationDate = fromUnix(created)
	f.FetchDate = fromUnix(fetched)
	return f, nil
}

func (d *dbImpl) UpdateFetch(ctx context.Context, fetch domain.Fetch) error {
	_, err := d.db.ExecContext(ctx, `UPDATE fetches SET
			url = ?, status = ?, detail = ?, object_fid = ?, fetch_date = ?
		WHERE id = ?`,
		fetch.Url, fetch.Status, nullString(string(fetch.Detail)),
		urlString(fetch.ObjectFid), toUnix(fetch.FetchDate), fetch.ID)
	return d.HandleError(err)
}
