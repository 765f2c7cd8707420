package domain

// Family is the coarse routing classification: image-family jobs go to the
// upload queue, everything else to the search-sync queue.
type Family string

const (
	FamilyImage   Family = "image"
	FamilyListing Family = "listing"
)

var imageTypes = map[string]struct{}{
	"image_upload":     {},
	"image_moderation": {},
	"image_resize":     {},
}

func (j *Job) Family() Family {
	if _, ok := imageTypes[j.Type]; ok {
		return FamilyImage
	}
	return FamilyListing
}

// Envelope is the message shape published to every downstream queue.
// Downstream consumers correlate on RecordID.
type Envelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Action    string      `json:"action"`
	Timestamp int64       `json:"timestamp"`
	Source    string      `json:"source"`
	RecordID  string      `json:"recordId"`
	Data      interface{} `json:"data"`
}

// ImagePayload is the envelope data for image-family jobs.
type ImagePayload struct {
	ImageID         string `json:"imageId"`
	UserID          string `json:"userId,omitempty"`
	UploadKind      string `json:"uploadKind,omitempty"`
	Transformations string `json:"transformations,omitempty"`
}

// ListingPayload is the envelope data for listing-family jobs.
type ListingPayload struct {
	ListingID string       `json:"listingId"`
	Change    StatusChange `json:"change"`
}

type StatusChange struct {
	Field     string `json:"field"`
	NewValue  string `json:"newValue"`
	ChangedAt int64  `json:"changedAt"`
}
