package models

// ClusterView is the canonical view of one identity cluster.
type ClusterView struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse is the HTTP envelope for POST /identify and GET /contacts/{id}.
type IdentifyResponse struct {
	Contact *ClusterView `json:"contact"`
}
