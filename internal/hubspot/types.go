package hubspot

import "time"

// Deal is a raw HubSpot deal object. Properties is kept as the untyped
// name→value map the API returns so the full blob can be persisted for
// forward compatibility.
type Deal struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
	CreatedAt  string            `json:"createdAt"`
	UpdatedAt  string            `json:"updatedAt"`
}

// Prop returns a named deal property or empty string.
func (d Deal) Prop(name string) string {
	return d.Properties[name]
}

// Property names requested on every deal fetch.
var dealProperties = []string{
	"dealname",
	"amount",
	"deal_currency_code",
	"dealstage",
	"pipeline",
	"closedate",
	"deploy_date",
	"hubspot_owner_id",
	"hs_forecast_category",
	"description",
	"createdate",
	"hs_lastmodifieddate",
}

// Owner is a HubSpot user that deals can be assigned to.
type Owner struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// Pipeline carries its stage list with per-stage probability metadata.
type Pipeline struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	DisplayOrder int     `json:"displayOrder"`
	Stages       []Stage `json:"stages"`
}

type Stage struct {
	ID           string        `json:"id"`
	Label        string        `json:"label"`
	DisplayOrder int           `json:"displayOrder"`
	Metadata     StageMetadata `json:"metadata"`
}

// StageMetadata.Probability is a 0–1 fraction encoded as a string
// (e.g. "0.6"); closed-lost stages carry isClosed=true, probability 0.
type StageMetadata struct {
	Probability string `json:"probability"`
	IsClosed    string `json:"isClosed"`
}

// LineItem is a raw HubSpot line item from a batch read.
type LineItem struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

func (li LineItem) Prop(name string) string {
	return li.Properties[name]
}

var lineItemProperties = []string{"name", "quantity", "price", "amount", "hs_product_id"}

// Contact is a raw HubSpot contact from a batch read.
type Contact struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

var contactProperties = []string{"firstname", "lastname", "email", "jobtitle"}

// DealWithAssociations is a single deal enriched with its associated objects.
type DealWithAssociations struct {
	Deal      Deal
	LineItems []LineItem
	Contacts  []Contact
}

// DealFilters selects the server-side filtered search mode. Both close-date
// bounds must be set for the window to apply.
type DealFilters struct {
	CloseDateStart *time.Time
	CloseDateEnd   *time.Time
	Stages         []string
	OwnerID        string
}

// Empty reports whether an unfiltered full scan should be used instead of
// the search endpoint.
func (f *DealFilters) Empty() bool {
	if f == nil {
		return true
	}
	return (f.CloseDateStart == nil || f.CloseDateEnd == nil) && len(f.Stages) == 0 && f.OwnerID == ""
}

type paging struct {
	Next *struct {
		After string `json:"after"`
	} `json:"next"`
}

type dealListResponse struct {
	Results []Deal  `json:"results"`
	Paging  *paging `json:"paging"`
}

type ownerListResponse struct {
	Results []Owner `json:"results"`
	Paging  *paging `json:"paging"`
}

type pipelineListResponse struct {
	Results []Pipeline `json:"results"`
}

type associationResponse struct {
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
}

type lineItemBatchResponse struct {
	Results []LineItem `json:"results"`
}

type contactBatchResponse struct {
	Results []Contact `json:"results"`
}
