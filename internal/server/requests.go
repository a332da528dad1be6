package server

import (
	"github.com/ssau-fiit/cloudocs-ot/internal/database"
	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
)

type CreateDocRequest struct {
	Name   string `json:"name"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// DocumentResponse is a document with its current text. For an open
// document the text is the live one, which may be ahead of redis.
type DocumentResponse struct {
	database.Document
	Text         string      `json:"text"`
	Live         bool        `json:"live"`
	Participants []ot.SiteID `json:"participants"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Documents int    `json:"documents"`
	Conns     int    `json:"connections"`
}
