package repositories

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mama165/sdk-go/database"
)

// InspectRow renders a badger entry for the debug inspector.
// Message records show their route and content, index entries only their key.
// Accounts never show their password hash.
func InspectRow(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)

	switch {
	case strings.HasPrefix(key, "msg:"):
		var disk DiskMessage
		if err := json.Unmarshal(val, &disk); err != nil {
			row.Detail = "Error: unmarshal failed"
			return row
		}
		row.Type = strings.ToUpper(disk.Status)
		row.Detail = fmt.Sprintf("%s -> %s: %s", disk.SenderID, disk.RecipientID, disk.Content)
		if disk.ConversationTag != "" {
			row.Detail = fmt.Sprintf("[%s] %s", disk.ConversationTag, row.Detail)
		}

	case strings.HasPrefix(key, "user:email:"):
		var user User
		if err := json.Unmarshal(val, &user); err != nil {
			row.Detail = "Error: unmarshal failed"
			return row
		}
		row.Type = "USER"
		row.Detail = fmt.Sprintf("%s (%s)", user.Email, user.ID)

	case strings.HasPrefix(key, "pair:"), strings.HasPrefix(key, "tag:"), strings.HasPrefix(key, "user:id:"):
		row.Type = "INDEX"
		row.Detail = ""

	case strings.HasPrefix(key, "seq:"):
		row.Type = "SEQUENCE"
		row.Detail = ""
	}
	return row
}
