package service

import (
	"fmt"
	"strings"

	"github.com/iliyamo/qr-claim/internal/model"
)

// Attribute is one trait of a token in wallet and marketplace metadata.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// TokenMetadata is the JSON document a token URI resolves to.  Every
// token of an event shares it apart from the URLs.
type TokenMetadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Image       string      `json:"image"`
	ImageURL    string      `json:"image_url"`
	ExternalURL string      `json:"external_url"`
	HomeURL     string      `json:"home_url"`
	Year        uint32      `json:"year"`
	Tags        []string    `json:"tags"`
	Attributes  []Attribute `json:"attributes"`
	Properties  []string    `json:"properties"`
}

// TokenURL is the canonical metadata location of one token.  baseURL
// has any trailing slash removed.
func TokenURL(baseURL string, eventID, tokenID uint64) string {
	return fmt.Sprintf("%s/metadata/%d/%d", strings.TrimRight(baseURL, "/"), eventID, tokenID)
}

// NewTokenMetadata builds the metadata of a token minted for e.
func NewTokenMetadata(e *model.Event, tokenURL string) TokenMetadata {
	return TokenMetadata{
		Name:        e.Name,
		Description: e.Description,
		Image:       e.ImageURL,
		ImageURL:    e.ImageURL,
		ExternalURL: tokenURL,
		HomeURL:     tokenURL,
		Year:        e.Year,
		Tags:        []string{"claim", "event"},
		Attributes: []Attribute{
			{TraitType: "startDate", Value: e.StartDate},
			{TraitType: "endDate", Value: e.EndDate},
			{TraitType: "fancyId", Value: e.FancyID},
		},
		Properties: []string{},
	}
}
