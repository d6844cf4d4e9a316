package utils

import (
	"os"

	"github.com/google/uuid"
)

// GenerateID returns a random UUID string. Bid ids and lock owner tokens use it.
func GenerateID() string {
	return uuid.NewString()
}

// InstanceID names this process among its peers, as hostname-<uuid>
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return host + "-" + uuid.NewString()
}
