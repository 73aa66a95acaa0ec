package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AdType identifies the surface an ad was shown on.
type AdType string

const (
	AdTypeNotification    AdType = "notification_ad"
	AdTypeNewTabPage      AdType = "new_tab_page_ad"
	AdTypePromotedContent AdType = "promoted_content_ad"
	AdTypeInlineContent   AdType = "inline_content_ad"
	AdTypeSearchResult    AdType = "search_result_ad"
)

var validAdTypes = map[AdType]struct{}{
	AdTypeNotification:    {},
	AdTypeNewTabPage:      {},
	AdTypePromotedContent: {},
	AdTypeInlineContent:   {},
	AdTypeSearchResult:    {},
}

// ParseAdType validates s as an AdType.
func ParseAdType(s string) (AdType, error) {
	t := AdType(s)
	if _, ok := validAdTypes[t]; !ok {
		return "", fmt.Errorf("unknown ad type %q", s)
	}
	return t, nil
}

// ConfirmationType is the lifecycle transition an AdEvent records.
type ConfirmationType string

const (
	ConfirmationServed     ConfirmationType = "served"
	ConfirmationViewed     ConfirmationType = "viewed"
	ConfirmationClicked    ConfirmationType = "clicked"
	ConfirmationDismissed  ConfirmationType = "dismissed"
	ConfirmationLanded     ConfirmationType = "landed"
	ConfirmationMediaPlay  ConfirmationType = "media_play"
	ConfirmationMedia25    ConfirmationType = "media_25"
	ConfirmationMedia100   ConfirmationType = "media_100"
	ConfirmationConversion ConfirmationType = "conversion"
)

var validConfirmationTypes = map[ConfirmationType]struct{}{
	ConfirmationServed:     {},
	ConfirmationViewed:     {},
	ConfirmationClicked:    {},
	ConfirmationDismissed:  {},
	ConfirmationLanded:     {},
	ConfirmationMediaPlay:  {},
	ConfirmationMedia25:    {},
	ConfirmationMedia100:   {},
	ConfirmationConversion: {},
}

// ConfirmationTypes lists every confirmation type in lifecycle order.
func ConfirmationTypes() []ConfirmationType {
	return []ConfirmationType{
		ConfirmationServed,
		ConfirmationViewed,
		ConfirmationClicked,
		ConfirmationDismissed,
		ConfirmationLanded,
		ConfirmationMediaPlay,
		ConfirmationMedia25,
		ConfirmationMedia100,
		ConfirmationConversion,
	}
}

// ParseConfirmationType validates s as a ConfirmationType.
func ParseConfirmationType(s string) (ConfirmationType, error) {
	t := ConfirmationType(s)
	if _, ok := validConfirmationTypes[t]; !ok {
		return "", fmt.Errorf("unknown confirmation type %q", s)
	}
	return t, nil
}

// AdEvent records one lifecycle transition for one served impression.
type AdEvent struct {
	ID                 string           `json:"id"`
	PlacementID        string           `json:"placement_id"`
	CreativeInstanceID string           `json:"creative_instance_id"`
	CreativeSetID      string           `json:"creative_set_id"`
	CampaignID         string           `json:"campaign_id"`
	AdvertiserID       string           `json:"advertiser_id"`
	AdType             AdType           `json:"ad_type"`
	ConfirmationType   ConfirmationType `json:"confirmation_type"`
	Segment            string           `json:"segment"`
	CreatedAt          time.Time        `json:"created_at"`
}

// NewAdEvent builds an event for ad with a fresh ID.
func NewAdEvent(ad CreativeAd, placementID string, adType AdType, ct ConfirmationType, at time.Time) AdEvent {
	return AdEvent{
		ID:                 uuid.NewString(),
		PlacementID:        placementID,
		CreativeInstanceID: ad.CreativeInstanceID,
		CreativeSetID:      ad.CreativeSetID,
		CampaignID:         ad.CampaignID,
		AdvertiserID:       ad.AdvertiserID,
		AdType:             adType,
		ConfirmationType:   ct,
		Segment:            ad.Segment,
		CreatedAt:          at,
	}
}
