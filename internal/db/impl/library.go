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

const libraryColumns = `id, uuid, fid, actor_id, name, description, privacy_level,
	followers_url, uploads_count, creation_date`

func scanLibrary(row interface{ Scan(...any) error }) (domain.Library, error) {
	var l domain.Library
	var id, fid string
	var description, followers sql.NullString
	var created sql.NullInt64

	err := row.Scan(&l.ID, &id, &fid, &l.ActorID, &l.Name, &description,
		&l.PrivacyLevel, &followers, &l.UploadsCount, &created)
	if err != nil {
		return l, err
	}

	l.Uuid, err = uuid.Parse(id)
	if err != nil {
		return l, fmt.Errorf("corrupt library uuid %q: %w", id, err)
	}
	l.Fid, err = url.Parse(fid)
	if err != nil {
		return l, fmt.Errorf("corrupt library fid %q: %w", fid, err)
	}
	l.Description = description.String
	l.FollowersUrl = parseURL(followers)
	l.CreationDate = fromUnix(created)
	return l, nil
}

func (d *dbImpl) CreateLibrary(ctx context.Context, library domain.Library) (domain.Library, error) {
	if library.Uuid == uuid.Nil {
		library.Uuid = uuid.New()
	}
	res, err := d.db.ExecContext(ctx, `INSERT INTO libraries
			(uuid, fid, actor_id, name, description, privacy_level, followers_url)
		VALUES (?,?,?,?,?,?,?)`,
		library.Uuid.String(), library.Fid.String(), library.ActorID,
		library.Name, nullString(library.Description), library.PrivacyLevel,
		urlString(library.FollowersUrl),
	)
	if err != nil {
		return domain.Library{}, d.HandleError(err)
	}
	library.ID, err = res.LastInsertId()
	return library, d.HandleError(err)
}

func (d *dbImpl) GetLibraryByID(ctx context.Context, id int64) (domain.Library, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+libraryColumns+" FROM libraries WHERE id = ?", id)
	l, err := scanLibrary(row)
	return l, d.HandleError(err)
}

func (d *dbImpl) GetLibraryByUuid(ctx context.Context, id uuid.UUID) (domain.Library, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+libraryColumns+" FROM libraries WHERE uuid = ?", id.String())
	l, err := scanLibrary(row)
	return l, d.HandleError(err)
}

func (d *dbImpl) GetLibraryByFid(ctx context.Context, fid *url.URL) (domain.Library, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+libraryColumns+" FROM libraries WHERE fid = ?", fid.String())
	l, err := scanLibrary(row)
	return l, d.HandleError(err)
}

func (d *dbImpl) GetLibraryByFollowersUrl(ctx context.Context, followersUrl *url.URL) (domain.Library, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+libraryColumns+" FROM libraries WHERE followers_url = ?", followersUrl.String())
	l, err := scanLibrary(row)
	return l, d.HandleError(err)
}

func (d *dbImpl) LibrariesForActor(ctx context.Context, actorID int64) ([]domain.Library, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+libraryColumns+" FROM libraries WHERE actor_id = ? ORDER BY id", actorID)
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var libraries []domain.Library
	for rows.Next() {
		l, err := scanLibrary(rows)
		if err != nil {
			return nil, d.HandleError(err)
		}
		libraries = append(libraries, l)
	}
	return libraries, d.HandleError(rows.Err())
}

func (d *dbImpl) UpdateLibrary(ctx context.Context, library domain.Library) error {
	_, err := d.db.ExecContext(ctx, `UPDATE libraries
		SET name = ?, description = ?, privacy_level = ?, uploads_count = ?
		WHERE id = ?`,
		library.Name, nullString(library.Description), library.PrivacyLevel,
		library.UploadsCount, library.ID)
	return d.HandleError(err)
}

func (d *dbImpl) DeleteLibrary(ctx context.Context, id int64) error {
	return d.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM uploads WHERE library_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM library_follows WHERE library_id = ?", id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM libraries WHERE id = ?", id)
		return err
	})
}

const followColumns = `id, uuid, fid, actor_id, library_id, approved,
	creation_date, modification_date`

func scanFollow(row interface{ Scan(...any) error }) (domain.LibraryFollow, error) {
	var f domain.LibraryFollow
	var id string
	var fid sql.NullString
	var approved sql.NullBool
	var created, modified sql.NullInt64

	err := row.Scan(&f.ID, &id, &fid, &f.ActorID, &f.LibraryID, &approved, &created, &modified)
	if err != nil {
		return f, err
	}

	f.Uuid, err = uuid.Parse(id)
	if err != nil {
		return f, fmt.Errorf("corrupt follow uuid %q: %w", id, err)
	}
	f.Fid = parseURL(fid)
	f.Approved = fromNullBool(approved)
	f.CreationDate = fromUnix(created)
	f.ModificationDate = fromUnix(modified)
	return f, nil
}

func (d *dbImpl) CreateFollow(ctx context.Context, follow domain.LibraryFollow) (domain.LibraryFollow, error) {
	if follow.Uuid == uuid.Nil {
		follow.Uuid = uuid.New()
	}
	res, err := d.db.ExecContext(ctx, `INSERT INTO library_follows
			(uuid, fid, actor_id, library_id, approved)
		VALUES (?,?,?,?,?)`,
		follow.Uuid.String(), urlString(follow.Fid), follow.ActorID, follow.LibraryID,
		nullBool(follow.Approved),
	)
	if err != nil {
		return domain.LibraryFollow{}, d.HandleError(err)
	}
	follow.ID, err = res.LastInsertId()
	return follow, d.HandleError(err)
}

func (d *dbImpl) GetFollow(ctx context.Context, actorID, libraryID int64) (domain.LibraryFollow, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+followColumns+" FROM library_follows WHERE actor_id = ? AND library_id = ?",
		actorID, libraryID)
	f, err := scanFollow(row)
	return f, d.HandleError(err)
}

func (d *dbImpl) GetFollowByID(ctx context.Context, id int64) (domain.LibraryFollow, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+followColumns+" FROM library_follows WHERE id = ?", id)
	f, err := scanFollow(row)
	return f, d.HandleError(err)
}

func (d *dbImpl) GetFollowByFid(ctx context.Context, fid *url.URL) (domain.LibraryFollow, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+followColumns+" FROM library_follows WHERE fid = ?", fid.String())
	f, err := scanFollow(row)
	return f, d.HandleError(err)
}

func (d *dbImpl) SetFollowApproved(ctx context.Context, id int64, approved bool) error {
	// A rejected follow stays rejected; the follower must create a new one.
	res, err := d.db.ExecContext(ctx, `UPDATE library_follows
		SET approved = ?, modification_date = ?
		WHERE id = ? AND (approved IS NULL OR approved = ?)`,
		approved, time.Now().Unix(), id, approved)
	if err != nil {
		return d.HandleError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return d.HandleError(err)
	}
	if affected == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (d *dbImpl) DeleteFollow(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM library_follows WHERE id = ?", id)
	return d.HandleError(err)
}

func (d *dbImpl) ApprovedFollowers(ctx context.Context, libraryID int64) ([]domain.Actor, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+prefixed("a", actorColumns)+`
		FROM actors a JOIN library_follows f ON f.actor_id = a.id
		WHERE f.library_id = ? AND f.approved = 1
		ORDER BY f.creation_date`, libraryID)
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, d.HandleError(err)
		}
		actors = append(actors, a)
	}
	return actors, d.HandleError(rows.Err())
}

func (d *dbImpl) HasApprovedFollow(ctx context.Context, actorID, libraryID int64) (bool, error) {
	row := d.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM library_follows
		WHERE actor_id = ? AND library_id = ? AND approved = 1)`, actorID, libraryID)
	var exists bool
	err := row.Scan(&exists)
	return exists, d.HandleError(err)
}

func (d *dbImpl) HasAnyApprovedFollow(ctx context.Context, libraryID int64) (bool, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM library_follows WHERE library_id = ? AND approved = 1)",
		libraryID)
	var exists bool
	err := row.Scan(&exists)
	return exists, d.HandleError(err)
}

func (d *dbImpl) GetScanCheckpoint(ctx context.Context, libraryID int64) (domain.ScanCheckpoint, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT library_id, page, updated_at FROM scan_checkpoints WHERE library_id = ?", libraryID)
	var cp domain.ScanCheckpoint
	var updated sql.NullInt64
	err := row.Scan(&cp.LibraryID, &cp.Page, &updated)
	cp.UpdatedAt = fromUnix(updated)
	return cp, d.HandleError(err)
}

func (d *dbImpl) SetScanCheckpoint(ctx context.Context, libraryID, page int64) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO scan_checkpoints (library_id, page, updated_at)
		VALUES (?,?,?)
		ON CONFLICT (library_id) DO UPDATE SET page = excluded.page, updated_at = excluded.updated_at`,
		libraryID, page, time.Now().Unix())
	return d.HandleError(err)
}

func (d *dbImpl) ClearScanCheckpoint(ctx context.Context, libraryID int64) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM scan_checkpoints WHERE library_id = ?", libraryID)
	return d.HandleError(err)
}
