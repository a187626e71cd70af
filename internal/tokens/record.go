// Package tokens owns the per-user token record: the secret half lives
// in a secrets.Store, the non-secret half in the bbolt state store.
// Callers always receive value copies; no other component keeps a
// long-lived record.
package tokens

// Record is one user's upstream credential set. AccessToken,
// RefreshToken, and IDToken are secrets and must never appear in logs,
// error messages, or the metadata store.
type Record struct {
	AccessToken  string
	RefreshToken string
	IDToken      string

	// ExpiryDate is absolute wall-clock time in ms since epoch,
	// never a duration.
	ExpiryDate int64

	UserID    string
	UserEmail string

	// RetrievedAt is the time of the last successful save, ms since epoch.
	RetrievedAt int64
}

// Valid reports whether the record can be used for API calls: both the
// access and refresh tokens are present and an expiry is recorded.
func (r Record) Valid() bool {
	return r.AccessToken != "" && r.RefreshToken != "" && r.ExpiryDate != 0
}

// secretBlob is the JSON shape written to the secret store.
type secretBlob struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiryDate   int64  `json:"expiry_date"`
}
