// Package domain contains entities without logic, just meta-data.
package domain

type (
	UserID   string
	DeviceID string
	SocketID string
)

// Identity is the resolved result of authenticating a connection.
type Identity struct {
	UserID   UserID   `json:"userId"`
	DeviceID DeviceID `json:"deviceId"`
	IsPro    bool     `json:"isPro"`
}
