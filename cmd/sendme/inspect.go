package main

import (
	"fmt"
	"sendme/infrastructure/directory"
	"strings"

	"github.com/mama165/sdk-go/database"
)

// SessionMapper renders session documents in the Badger inspector. Other
// keys keep the default raw rendering.
func SessionMapper(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)
	if !strings.HasPrefix(key, "session:") {
		return row
	}

	s, err := directory.DecodeSession(val)
	if err != nil {
		row.Detail = "Error: decode failed"
		return row
	}
	row.Type = "SESSION"
	row.EntityID = string(s.ID)
	row.Timestamp = s.LastActivity.Format("15:04:05")
	row.Detail = fmt.Sprintf("%s -> %s, %s, epoch %d, %d%% of %s",
		s.Sender, s.Receiver, s.State, s.Epoch, s.Percent(), s.Content.Name)
	return row
}
