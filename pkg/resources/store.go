package resources

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store handles region, zone, and image persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new resource store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateRegion creates a region
func (s *Store) CreateRegion(ctx context.Context, region *Region) error {
	if region.ID == uuid.Nil {
		region.ID = uuid.New()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO regions (id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, region.ID, region.Name, region.Description, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("region %q: %w", region.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create region: %w", err)
	}
	region.CreatedAt = now
	region.UpdatedAt = now
	return nil
}

// GetRegion retrieves a region by ID
func (s *Store) GetRegion(ctx context.Context, id uuid.UUID) (*Region, error) {
	var region Region
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM regions WHERE id = $1`, id).
		Scan(&region.ID, &region.Name, &region.Description, &region.CreatedAt, &region.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("region %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get region: %w", err)
	}
	return &region, nil
}

// ListRegions lists all regions
func (s *Store) ListRegions(ctx context.Context) ([]Region, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM regions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}
	defer rows.Close()

	var regions []Region
	for rows.Next() {
		var region Region
		if err := rows.Scan(&region.ID, &region.Name, &region.Description,
			&region.CreatedAt, &region.UpdatedAt); err != nil {
			return nil, err
		}
		regions = append(regions, region)
	}
	return regions, rows.Err()
}

// DeleteRegion deletes a region and its zones
func (s *Store) DeleteRegion(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM regions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete region: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("region %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateZone creates a zone in a region
func (s *Store) CreateZone(ctx context.Context, zone *Zone) error {
	if zone.ID == uuid.Nil {
		zone.ID = uuid.New()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO zones (id, name, region_id, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, zone.ID, zone.Name, zone.RegionID, zone.Description, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("zone %q: %w", zone.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create zone: %w", err)
	}
	zone.CreatedAt = now
	zone.UpdatedAt = now
	return nil
}

// GetZone retrieves a zone by ID
func (s *Store) GetZone(ctx context.Context, id uuid.UUID) (*Zone, error) {
	var zone Zone
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, region_id, description, created_at, updated_at FROM zones WHERE id = $1`, id).
		Scan(&zone.ID, &zone.Name, &zone.RegionID, &zone.Description, &zone.CreatedAt, &zone.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("zone %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get zone: %w", err)
	}
	return &zone, nil
}

// ListZones lists zones, optionally filtered by region
func (s *Store) ListZones(ctx context.Context, regionID *uuid.UUID) ([]Zone, error) {
	var rows *sql.Rows
	var err error
	if regionID == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, name, region_id, description, created_at, updated_at FROM zones ORDER BY name`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, name, region_id, description, created_at, updated_at FROM zones WHERE region_id = $1 ORDER BY name`,
			*regionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		var zone Zone
		if err := rows.Scan(&zone.ID, &zone.Name, &zone.RegionID, &zone.Description,
			&zone.CreatedAt, &zone.UpdatedAt); err != nil {
			return nil, err
		}
		zones = append(zones, zone)
	}
	return zones, rows.Err()
}

// DeleteZone deletes a zone
func (s *Store) DeleteZone(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete zone: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("zone %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateImage creates an image owned by a project
func (s *Store) CreateImage(ctx context.Context, image *Image) error {
	if image.ID == uuid.Nil {
		image.ID = uuid.New()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (id, name, project_id, region_id, file_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, image.ID, image.Name, image.ProjectID, image.RegionID, image.FileName, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("image %q: %w", image.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	image.CreatedAt = now
	image.UpdatedAt = now
	return nil
}

// GetImage retrieves an image by ID
func (s *Store) GetImage(ctx context.Context, id uuid.UUID) (*Image, error) {
	var image Image
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, project_id, region_id, file_name, created_at, updated_at
		FROM images WHERE id = $1
	`, id).Scan(&image.ID, &image.Name, &image.ProjectID, &image.RegionID, &image.FileName,
		&image.CreatedAt, &image.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return &image, nil
}

// ListImages lists a project's images
func (s *Store) ListImages(ctx context.Context, projectID uuid.UUID) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, project_id, region_id, file_name, created_at, updated_at
		FROM images WHERE project_id = $1 ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var image Image
		if err := rows.Scan(&image.ID, &image.Name, &image.ProjectID, &image.RegionID,
			&image.FileName, &image.CreatedAt, &image.UpdatedAt); err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

// DeleteImage deletes an image
func (s *Store) DeleteImage(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return nil
}
