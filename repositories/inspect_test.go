package repositories

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestInspectRow(t *testing.T) {
	message, err := json.Marshal(DiskMessage{ID: uuid.New(), SenderID: "sam", RecipientID: "rita", ConversationTag: "t1", Content: "hi", Status: "delivered"})
	require.NoError(t, err)
	user, err := json.Marshal(User{ID: "u1", Email: "sam@example.com", PasswordHash: "$argon2id$secret"})
	require.NoError(t, err)

	testCases := []struct {
		name       string
		key        string
		val        []byte
		wantType   string
		wantDetail string
	}{
		{name: "message", key: "msg:1", val: message, wantType: "DELIVERED", wantDetail: "[t1] sam -> rita: hi"},
		{name: "account hides the hash", key: "user:email:sam@example.com", val: user, wantType: "USER", wantDetail: "sam@example.com (u1)"},
		{name: "index", key: "pair:rita|sam:00000000000000000001", val: []byte("msg:1"), wantType: "INDEX"},
		{name: "corrupt message", key: "msg:2", val: []byte("{"), wantDetail: "Error: unmarshal failed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)

			row := InspectRow(tc.key, tc.val)

			if tc.wantType != "" {
				req.Equal(tc.wantType, row.Type)
			}
			req.Equal(tc.wantDetail, row.Detail)
		})
	}
}
