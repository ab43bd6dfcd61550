package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/leadpulse/leadpulse/internal/store"
)

// PGChannelStore resolves provider credentials per (tenant, campaign).
type PGChannelStore struct {
	db *sql.DB
}

func NewPGChannelStore(db *sql.DB) *PGChannelStore {
	return &PGChannelStore{db: db}
}

func (s *PGChannelStore) Get(ctx context.Context, tenantID, campaignID string) (*store.CampaignChannel, error) {
	// Empty campaign id falls back to the tenant's default channel
	// (campaign_id = ''), which the seed migration guarantees exists.
	var ch store.CampaignChannel
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, campaign_id, provider, api_version, access_token,
		        phone_number_id, business_number, app_secret, verify_token
		 FROM campaign_channels
		 WHERE tenant_id = $1 AND campaign_id = $2`,
		tenantID, campaignID).
		Scan(&ch.TenantID, &ch.CampaignID, &ch.Provider, &ch.APIVersion,
			&ch.AccessToken, &ch.PhoneNumberID, &ch.BusinessNumber,
			&ch.AppSecret, &ch.VerifyToken)
	if errors.Is(err, sql.ErrNoRows) && campaignID != "" {
		// Campaign without a dedicated channel uses the tenant default.
		return s.Get(ctx, tenantID, "")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.StorageError{Op: "channel get", Err: err}
	}
	return &ch, nil
}
