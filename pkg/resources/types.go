// Package resources implements the region, zone, and image inventory.
// Regions and zones are global; images belong to a project and are invisible
// outside it.
package resources

import (
	"time"

	"github.com/google/uuid"
)

// Region is a top level placement domain
type Region struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Zone is a failure domain within a region
type Zone struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	RegionID    uuid.UUID `json:"region_id"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Image is a project owned machine image placed in a region
type Image struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	ProjectID uuid.UUID `json:"project_id"`
	RegionID  uuid.UUID `json:"region_id"`
	FileName  string    `json:"file_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyTarget returns the attributes policies may interpolate for an image
func (i *Image) PolicyTarget() map[string]string {
	return map[string]string{
		"project_id": i.ProjectID.String(),
	}
}
