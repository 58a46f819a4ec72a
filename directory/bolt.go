package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/kredo/types"
)

var (
	bucketCampaigns = []byte("campaigns")
	bucketAgencies  = []byte("agencies")
)

// Bolt keeps the directory in its own bbolt file so it can be updated
// while the attribution store is open
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) a directory database at path
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketCampaigns, bucketAgencies} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create directory buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

// Seed writes every campaign and agency in f, replacing existing entries
func (b *Bolt) Seed(f *File) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for i := range f.Campaigns {
			if err := put(tx.Bucket(bucketCampaigns), f.Campaigns[i].ID, f.Campaigns[i]); err != nil {
				return err
			}
		}
		for i := range f.Agencies {
			if err := put(tx.Bucket(bucketAgencies), f.Agencies[i].ID, f.Agencies[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutCampaign stores one campaign. Touchpoints already written keep the
// agency they were resolved to.
func (b *Bolt) PutCampaign(c types.Campaign) error {
	if c.ID == "" {
		return fmt.Errorf("campaign id is required")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketCampaigns), c.ID, c)
	})
}

// PutAgency stores one agency
func (b *Bolt) PutAgency(a types.Agency) error {
	if a.ID == "" {
		return fmt.Errorf("agency id is required")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketAgencies), a.ID, a)
	})
}

func (b *Bolt) Campaign(ctx context.Context, id string) (*types.Campaign, error) {
	var c types.Campaign
	if err := b.get(bucketCampaigns, id, &c); err != nil {
		return nil, fmt.Errorf("campaign %s: %w", id, err)
	}
	return &c, nil
}

// CampaignByUTM scans campaigns in id order for the brand's active campaign
// with the UTM identifier
func (b *Bolt) CampaignByUTM(ctx context.Context, brandID, utmCampaign string) (*types.Campaign, error) {
	var found *types.Campaign
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketCampaigns).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var c types.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				continue
			}
			if matchesUTM(&c, brandID, utmCampaign) {
				found = &c
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("campaign scan failed: %w", err)
	}
	if found == nil {
		return nil, fmt.Errorf("campaign with utm %q: %w", utmCampaign, types.ErrNotFound)
	}
	return found, nil
}

func (b *Bolt) Agency(ctx context.Context, id string) (*types.Agency, error) {
	var a types.Agency
	if err := b.get(bucketAgencies, id, &a); err != nil {
		return nil, fmt.Errorf("agency %s: %w", id, err)
	}
	return &a, nil
}

func (b *Bolt) get(bucket []byte, id string, out any) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return types.ErrNotFound
		}
		return json.Unmarshal(data, out)
	})
}

func put(bucket *bbolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}
	return bucket.Put([]byte(id), data)
}
