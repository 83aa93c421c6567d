package tasks

import (
	"encoding/json"
	"time"

	"github.com/dataflux-func/dataflux-func/pkg/database"
)

func jsonUnmarshal(raw string, dest any) error {
	return json.Unmarshal([]byte(raw), dest)
}

// tsAddUp: accumulate points at the same timestamp; counts add up,
// gauges replace.
func tsAddUp(maxAgeSeconds int) database.TSAddOptions {
	return database.TSAddOptions{
		AddUp:  true,
		MaxAge: time.Duration(maxAgeSeconds) * time.Second,
	}
}

// tsReplace: a later point at the same timestamp replaces the earlier.
func tsReplace(maxAgeSeconds int) database.TSAddOptions {
	return database.TSAddOptions{
		MaxAge: time.Duration(maxAgeSeconds) * time.Second,
	}
}
