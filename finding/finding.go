package finding

import (
	"time"

	"github.com/zero-day-ai/injector/types"
)

// Finding is a value observed during an inject, with every asset it was
// observed on.
type Finding struct {
	ID       string           `json:"id"`
	InjectID string           `json:"inject_id"`
	Field    string           `json:"field"`
	Name     string           `json:"name"`
	Type     types.OutputType `json:"type"`
	Value    string           `json:"value"`
	Tags     []string         `json:"tags,omitempty"`
	AssetIDs []string         `json:"asset_ids,omitempty"`

	// Version is the optimistic concurrency token checked on update.
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies the unique row of a finding.
type Key struct {
	InjectID string
	Value    string
	Type     types.OutputType
	Field    string
}

// Key returns the uniqueness key of the finding.
func (f *Finding) Key() Key {
	return Key{InjectID: f.InjectID, Value: f.Value, Type: f.Type, Field: f.Field}
}

// HasAsset reports whether the finding was already seen on the asset.
func (f *Finding) HasAsset(assetID string) bool {
	for _, id := range f.AssetIDs {
		if id == assetID {
			return true
		}
	}
	return false
}

// AddAsset attaches an asset, returning false if it was already attached.
func (f *Finding) AddAsset(assetID string) bool {
	if assetID == "" || f.HasAsset(assetID) {
		return false
	}
	f.AssetIDs = append(f.AssetIDs, assetID)
	return true
}

// Clone returns a deep copy of the finding.
func (f *Finding) Clone() *Finding {
	c := *f
	c.Tags = append([]string(nil), f.Tags...)
	c.AssetIDs = append([]string(nil), f.AssetIDs...)
	return &c
}
