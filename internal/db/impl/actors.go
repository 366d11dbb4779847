package impl

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/perlatus/fonoteca/internal/domain"
)

const actorColumns = `id, fid, type, preferred_username, domain, name, summary,
	inbox_url, outbox_url, shared_inbox_url, followers_url, following_url,
	public_key, private_key, manually_approves_followers, creation_date, last_fetch_date`

func scanActor(row interface{ Scan(...any) error }) (domain.Actor, error) {
	var a domain.Actor
	var fid string
	var name, summary, inbox, outbox, shared, followers, following sql.NullString
	var pub, priv sql.NullString
	var created, fetched sql.NullInt64

	err := row.Scan(
		&a.ID, &fid, &a.Type, &a.PreferredUsername, &a.Domain, &name, &summary,
		&inbox, &outbox, &shared, &followers, &following,
		&pub, &priv, &a.ManuallyApprovesFollowers, &created, &fetched,
	)
	if err != nil {
		return a, err
	}

	a.Fid, err = url.Parse(fid)
	if err != nil {
		return a, fmt.Errorf("corrupt actor fid %q: %w", fid, err)
	}
	a.Name = name.String
	a.Summary = summary.String
	a.InboxUrl = parseURL(inbox)
	a.OutboxUrl = parseURL(outbox)
	a.SharedInboxUrl = parseURL(shared)
	a.FollowersUrl = parseURL(followers)
	a.FollowingUrl = parseURL(following)
	a.PublicKey = pub.String
	a.PrivateKey = priv.String
	a.CreationDate = fromUnix(created)
	a.LastFetchDate = fromUnix(fetched)
	return a, nil
}

func (d *dbImpl) GetActorByFid(ctx context.Context, fid *url.URL) (domain.Actor, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+actorColumns+" FROM actors WHERE fid = ?", fid.String())
	a, err := scanActor(row)
	return a, d.HandleError(err)
}

func (d *dbImpl) GetActorByID(ctx context.Context, id int64) (domain.Actor, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+actorColumns+" FROM actors WHERE id = ?", id)
	a, err := scanActor(row)
	return a, d.HandleError(err)
}

func (d *dbImpl) GetActorByUsername(ctx context.Context, username, host string) (domain.Actor, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+actorColumns+" FROM actors WHERE preferred_username = ? AND domain = ?",
		username, host)
	a, err := scanActor(row)
	return a, d.HandleError(err)
}

func (d *dbImpl) UpsertActor(ctx context.Context, actor domain.Actor) (domain.Actor, error) {
	if _, err := d.GetDomainOrCreate(ctx, actor.Domain); err != nil {
		return domain.Actor{}, err
	}

	_, err := d.db.ExecContext(ctx, `INSERT INTO actors (
			fid, type, preferred_username, domain, name, summary,
			inbox_url, outbox_url, shared_inbox_url, followers_url, following_url,
			public_key, private_key, manually_approves_followers, last_fetch_date
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (fid) DO UPDATE SET
			type = excluded.type,
			preferred_username = excluded.preferred_username,
			name = excluded.name,
			summary = excluded.summary,
			inbox_url = excluded.inbox_url,
			outbox_url = excluded.outbox_url,
			shared_inbox_url = excluded.shared_inbox_url,
			followers_url = excluded.followers_url,
			following_url = excluded.following_url,
			public_key = excluded.public_key,
			manually_approves_followers = excluded.manually_approves_followers,
			last_fetch_date = excluded.last_fetch_date`,
		actor.Fid.String(), actor.Type, actor.PreferredUsername, actor.Domain,
		nullString(actor.Name), nullString(actor.Summary),
		urlString(actor.InboxUrl), urlString(actor.OutboxUrl), urlString(actor.SharedInboxUrl),
		urlString(actor.FollowersUrl), urlString(actor.FollowingUrl),
		nullString(actor.PublicKey), nullString(actor.PrivateKey),
		actor.ManuallyApprovesFollowers, toUnix(actor.LastFetchDate),
	)
	if err != nil {
		return domain.Actor{}, d.HandleError(err)
	}
	return d.GetActorByFid(ctx, actor.Fid)
}

func (d *dbImpl) SetActorKeyPair(ctx context.Context, id int64, publicPem, privatePem string) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE actors SET public_key = ?, private_key = ? WHERE id = ?",
		publicPem, privatePem, id)
	return d.HandleError(err)
}

func (d *dbImpl) TombstoneActor(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE actors SET type = 'Tombstone', name = NULL, summary = NULL WHERE id = ?", id)
	return d.HandleError(err)
}

func (d *dbImpl) PurgeActorContent(ctx context.Context, actorIDs []int64) error {
	if len(actorIDs) == 0 {
		return nil
	}
	args := make([]any, len(actorIDs))
	for i, id := range actorIDs {
		args[i] = id
	}
	in := placeholders(len(actorIDs))

	return d.WithTx(func(tx *sql.Tx) error {
		statements := []string{
			"DELETE FROM library_follows WHERE actor_id IN (" + in + ")",
			"DELETE FROM library_follows WHERE library_id IN (SELECT id FROM libraries WHERE actor_id IN (" + in + "))",
			"DELETE FROM uploads WHERE library_id IN (SELECT id FROM libraries WHERE actor_id IN (" + in + "))",
			"DELETE FROM libraries WHERE actor_id IN (" + in + ")",
			"DELETE FROM inbox_items WHERE actor_id IN (" + in + ")",
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *dbImpl) ActorIDsForDomains(ctx context.Context, names []string) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	rows, err := d.db.QueryContext(ctx,
		"SELECT id FROM actors WHERE domain IN ("+placeholders(len(names))+")", args...)
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, d.HandleError(err)
		}
		ids = append(ids, id)
	}
	return ids, d.HandleError(rows.Err())
}

func (d *dbImpl) GetDomainOrCreate(ctx context.Context, name string) (domain.Domain, error) {
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO domains (name) VALUES (?) ON CONFLICT (name) DO NOTHING", name)
	if err != nil {
		return domain.Domain{}, d.HandleError(err)
	}

	row := d.db.QueryRowContext(ctx, `SELECT name, allowed, creation_date,
		nodeinfo, nodeinfo_fetch_date, nodeinfo_status, service_actor_fid
		FROM domains WHERE name = ?`, name)

	var dom domain.Domain
	var created, fetched sql.NullInt64
	var nodeinfo, status, serviceActor sql.NullString
	err = row.Scan(&dom.Name, &dom.Allowed, &created, &nodeinfo, &fetched, &status, &serviceActor)
	if err != nil {
		return dom, d.HandleError(err)
	}
	dom.CreationDate = fromUnix(created)
	dom.Nodeinfo = []byte(nodeinfo.String)
	dom.NodeinfoFetchDate = fromUnix(fetched)
	dom.NodeinfoStatus = status.String
	dom.ServiceActorFid = parseURL(serviceActor)
	return dom, nil
}

func (d *dbImpl) AllowedDomains(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT name FROM domains WHERE allowed = 1 ORDER BY name")
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err = rows.Scan(&n); err != nil {
			return nil, d.HandleError(err)
		}
		names = append(names, n)
	}
	return names, d.HandleError(rows.Err())
}

func (d *dbImpl) SetDomainAllowed(ctx context.Context, name string, allowed bool) error {
	if _, err := d.GetDomainOrCreate(ctx, name); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, "UPDATE domains SET allowed = ? WHERE name = ?", allowed, name)
	return d.HandleError(err)
}

func (d *dbImpl) UpdateDomainNodeinfo(ctx context.Context, name, status string, payload []byte, serviceActorFid *url.URL) error {
	_, err := d.db.ExecContext(ctx, `UPDATE domains SET
			nodeinfo = ?, nodeinfo_status = ?, nodeinfo_fetch_date = ?, service_actor_fid = ?
		WHERE name = ?`,
		nullString(string(payload)), status, time.Now().Unix(), urlString(serviceActorFid), name)
	return d.HandleError(err)
}

func (d *dbImpl) StaleNodeinfoDomains(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name FROM domains
		WHERE name != ? AND (nodeinfo_fetch_date IS NULL OR nodeinfo_fetch_date < ?)`,
		d.Config.Host, olderThan.Unix())
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err = rows.Scan(&n); err != nil {
			return nil, d.HandleError(err)
		}
		names = append(names, n)
	}
	return names, d.HandleError(rows.Err())
}

func (d *dbImpl) Stats(ctx context.Context) (domain.Stats, error) {
	var s domain.Stats
	row := d.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM actors WHERE domain = ? AND type != 'Tombstone'),
		(SELECT COUNT(*) FROM libraries),
		(SELECT COUNT(*) FROM uploads),
		(SELECT COUNT(*) FROM uploads WHERE downloads_count > 0)`,
		d.Config.Host)
	err := row.Scan(&s.LocalActors, &s.Libraries, &s.Uploads, &s.ListenedTracks)
	return s, d.HandleError(err)
}
