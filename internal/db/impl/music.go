package impl

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/perlatus/fonoteca/internal/domain"
)

const uploadColumns = `id, uuid, fid, library_id, track_id, import_status,
	audio_file, mimetype, size, bitrate, duration, source,
	creation_date, accessed_date, downloads_count`

func scanUpload(row interface{ Scan(...any) error }) (domain.Upload, error) {
	var u domain.Upload
	var id string
	var fid, audioFile, mimetype, source sql.NullString
	var trackID, size, bitrate, duration, created, accessed sql.NullInt64

	err := row.Scan(&u.ID, &id, &fid, &u.LibraryID, &trackID, &u.ImportStatus,
		&audioFile, &mimetype, &size, &bitrate, &duration, &source,
		&created, &accessed, &u.DownloadsCount)
	if err != nil {
		return u, err
	}

	u.Uuid, err = uuid.Parse(id)
	if err != nil {
		return u, fmt.Errorf("corrupt upload uuid %q: %w", id, err)
	}
	u.Fid = parseURL(fid)
	u.TrackID = trackID.Int64
	u.AudioFile = audioFile.String
	u.Mimetype = mimetype.String
	u.Size = size.Int64
	u.Bitrate = bitrate.Int64
	u.Duration = duration.Int64
	u.Source = source.String
	u.CreationDate = fromUnix(created)
	u.AccessedDate = fromUnix(accessed)
	return u, nil
}

func (d *dbImpl) UpsertUpload(ctx context.Context, upload domain.Upload) (domain.Upload, error) {
	if upload.Uuid == uuid.Nil {
		upload.Uuid = uuid.New()
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO uploads (
			uuid, fid, library_id, track_id, import_status, audio_file,
			mimetype, size, bitrate, duration, source
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (fid) DO UPDATE SET
			track_id = excluded.track_id,
			import_status = excluded.import_status,
			mimetype = excluded.mimetype,
			size = excluded.size,
			bitrate = excluded.bitrate,
			duration = excluded.duration,
			source = excluded.source`,
		upload.Uuid.String(), urlString(upload.Fid), upload.LibraryID,
		sql.NullInt64{Valid: upload.TrackID != 0, Int64: upload.TrackID},
		upload.ImportStatus, nullString(upload.AudioFile),
		nullString(upload.Mimetype),
		sql.NullInt64{Valid: upload.Size != 0, Int64: upload.Size},
		sql.NullInt64{Valid: upload.Bitrate != 0, Int64: upload.Bitrate},
		sql.NullInt64{Valid: upload.Duration != 0, Int64: upload.Duration},
		nullString(upload.Source),
	)
	if err != nil {
		return domain.Upload{}, d.HandleError(err)
	}
	if upload.Fid != nil {
		return d.GetUploadByFid(ctx, upload.Fid)
	}
	return d.GetUploadByUuid(ctx, upload.Uuid)
}

func (d *dbImpl) GetUploadByID(ctx context.Context, id int64) (domain.Upload, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+uploadColumns+" FROM uploads WHERE id = ?", id)
	u, err := scanUpload(row)
	return u, d.HandleError(err)
}

func (d *dbImpl) GetUploadByUuid(ctx context.Context, id uuid.UUID) (domain.Upload, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+uploadColumns+" FROM uploads WHERE uuid = ?", id.String())
	u, err := scanUpload(row)
	return u, d.HandleError(err)
}

func (d *dbImpl) GetUploadByFid(ctx context.Context, fid *url.URL) (domain.Upload, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+uploadColumns+" FROM uploads WHERE fid = ?", fid.String())
	u, err := scanUpload(row)
	return u, d.HandleError(err)
}

func (d *dbImpl) UploadsForLibrary(ctx context.Context, libraryID int64, offset, limit int64) ([]domain.Upload, int64, error) {
	var total int64
	row := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM uploads WHERE library_id = ? AND import_status = 'finished'", libraryID)
	if err := row.Scan(&total); err != nil {
		return nil, 0, d.HandleError(err)
	}

	rows, err := d.db.QueryContext(ctx, `SELECT `+uploadColumns+` FROM uploads
		WHERE library_id = ? AND import_status = 'finished'
		ORDER BY creation_date, id LIMIT ? OFFSET ?`, libraryID, limit, offset)
	if err != nil {
		return nil, 0, d.HandleError(err)
	}
	defer rows.Close()

	var uploads []domain.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, 0, d.HandleError(err)
		}
		uploads = append(uploads, u)
	}
	return uploads, total, d.HandleError(rows.Err())
}

func (d *dbImpl) SetUploadAudioFile(ctx context.Context, id int64, path string, accessed time.Time) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE uploads SET audio_file = ?, accessed_date = ? WHERE id = ?",
		path, accessed.Unix(), id)
	return d.HandleError(err)
}

func (d *dbImpl) TouchUpload(ctx context.Context, id int64, accessed time.Time) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE uploads SET accessed_date = ?, downloads_count = downloads_count + 1 WHERE id = ?",
		accessed.Unix(), id)
	return d.HandleError(err)
}

func (d *dbImpl) EvictableUploads(ctx context.Context, cutoff time.Time) ([]domain.Upload, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+uploadColumns+` FROM uploads
		WHERE audio_file IS NOT NULL AND audio_file != ''
		AND (accessed_date IS NULL OR accessed_date < ?)
		AND source IS NOT NULL AND source LIKE 'http%'
		ORDER BY id`, cutoff.Unix())
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var uploads []domain.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, d.HandleError(err)
		}
		uploads = append(uploads, u)
	}
	return uploads, d.HandleError(rows.Err())
}

func (d *dbImpl) ClearUploadAudioFile(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, "UPDATE uploads SET audio_file = NULL WHERE id = ?", id)
	return d.HandleError(err)
}

func (d *dbImpl) CachedAudioFiles(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT audio_file FROM uploads WHERE audio_file IS NOT NULL AND audio_file != ''")
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var f string
		if err = rows.Scan(&f); err != nil {
			return nil, d.HandleError(err)
		}
		files = append(files, f)
	}
	return files, d.HandleError(rows.Err())
}

const trackColumns = "id, uuid, fid, title, artist_name, album_title, creation_date"

func scanTrack(row interface{ Scan(...any) error }) (domain.Track, error) {
	var t domain.Track
	var id string
	var fid, artist, album sql.NullString
	var created sql.NullInt64

	err := row.Scan(&t.ID, &id, &fid, &t.Title, &artist, &album, &created)
	if err != nil {
		return t, err
	}
	t.Uuid, err = uuid.Parse(id)
	if err != nil {
		return t, fmt.Errorf("corrupt track uuid %q: %w", id, err)
	}
	t.Fid = parseURL(fid)
	t.ArtistName = artist.String
	t.AlbumTitle = album.String
	t.CreationDate = fromUnix(created)
	return t, nil
}

func (d *dbImpl) GetOrCreateTrack(ctx context.Context, track domain.Track) (domain.Track, error) {
	if track.Fid != nil {
		row := d.db.QueryRowContext(ctx,
			"SELECT "+trackColumns+" FROM tracks WHERE fid = ?", track.Fid.String())
		existing, err := scanTrack(row)
		if err == nil {
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return domain.Track{}, d.HandleError(err)
		}
	}

	if track.Uuid == uuid.Nil {
		track.Uuid = uuid.New()
	}
	res, err := d.db.ExecContext(ctx,
		"INSERT INTO tracks (uuid, fid, title, artist_name, album_title) VALUES (?,?,?,?,?)",
		track.Uuid.String(), urlString(track.Fid), track.Title,
		nullString(track.ArtistName), nullString(track.AlbumTitle))
	if err != nil {
		return domain.Track{}, d.HandleError(err)
	}
	track.ID, err = res.LastInsertId()
	return track, d.HandleError(err)
}

func (d *dbImpl) GetTrackByID(ctx context.Context, id int64) (domain.Track, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+trackColumns+" FROM tracks WHERE id = ?", id)
	t, err := scanTrack(row)
	return t, d.HandleError(err)
}

func (d *dbImpl) UpdateTrack(ctx context.Context, track domain.Track) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE tracks SET title = ?, artist_name = ?, album_title = ? WHERE id = ?",
		track.Title, nullString(track.ArtistName), nullString(track.AlbumTitle), track.ID)
	return d.HandleError(err)
}

const mutationColumns = `id, uuid, fid, type, track_id, payload, previous_state,
	is_approved, is_applied, created_by, approved_by, creation_date`

func scanMutation(row interface{ Scan(...any) error }) (domain.Mutation, error) {
	var m domain.Mutation
	var id string
	var fid, previous sql.NullString
	var approved sql.NullBool
	var approvedBy, created sql.NullInt64
	var payload string

	err := row.Scan(&m.ID, &id, &fid, &m.Type, &m.TrackID, &payload, &previous,
		&approved, &m.IsApplied, &m.CreatedByID, &approvedBy, &created)
	if err != nil {
		return m, err
	}
	m.Uuid, err = uuid.Parse(id)
	if err != nil {
		return m, fmt.Errorf("corrupt mutation uuid %q: %w", id, err)
	}
	m.Fid = parseURL(fid)
	m.Payload = []byte(payload)
	if previous.Valid {
		m.PreviousState = []byte(previous.String)
	}
	m.IsApproved = fromNullBool(approved)
	m.ApprovedByID = approvedBy.Int64
	m.CreationDate = fromUnix(created)
	return m, nil
}

func (d *dbImpl) CreateMutation(ctx context.Context, mutation domain.Mutation) (domain.Mutation, error) {
	if mutation.Uuid == uuid.Nil {
		mutation.Uuid = uuid.New()
	}
	res, err := d.db.ExecContext(ctx, `INSERT INTO mutations
			(uuid, fid, type, track_id, payload, created_by)
		VALUES (?,?,?,?,?,?)`,
		mutation.Uuid.String(), urlString(mutation.Fid), mutation.Type,
		mutation.TrackID, string(mutation.Payload), mutation.CreatedByID)
	if err != nil {
		return domain.Mutation{}, d.HandleError(err)
	}
	mutation.ID, err = res.LastInsertId()
	return mutation, d.HandleError(err)
}

func (d *dbImpl) GetMutationByFid(ctx context.Context, fid *url.URL) (domain.Mutation, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+mutationColumns+" FROM mutations WHERE fid = ?", fid.String())
	m, err := scanMutation(row)
	return m, d.HandleError(err)
}

func (d *dbImpl) GetMutationByUuid(ctx context.Context, id uuid.UUID) (domain.Mutation, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+mutationColumns+" FROM mutations WHERE uuid = ?", id.String())
	m, err := scanMutation(row)
	return m, d.HandleError(err)
}

func (d *dbImpl) SetMutationApproved(ctx context.Context, id, approvedBy int64, approved bool) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE mutations SET is_approved = ?, approved_by = ? WHERE id = ? AND is_approved IS NULL",
		approved, approvedBy, id)
	return d.HandleError(err)
}

func (d *dbImpl) SetMutationApplied(ctx context.Context, id int64, previousState []byte) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE mutations SET is_applied = 1, previous_state = ? WHERE id = ? AND is_applied = 0",
		string(previousState), id)
	return d.HandleError(err)
}
