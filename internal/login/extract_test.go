package login

import (
	"errors"
	"strings"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/snapetech/teleboy-pvr/internal/session"
)

func TestScanExtractor(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		key    string
		uid    string
		tier   session.Tier
		errFld string
	}{
		{
			name: "plus",
			body: `tvapiKey:'ABC123', x; user.setId(4567); user.setIsPlusMember(1);`,
			key:  "ABC123", uid: "4567", tier: session.TierPlus,
		},
		{
			name: "comfort wins over plus",
			body: `tvapiKey: "k-9" setId(1) setIsPlusMember(1) setIsComfortMember(1)`,
			key:  "k-9", uid: "1", tier: session.TierComfort,
		},
		{
			name: "tier marker before setId is ignored",
			body: `setIsPlusMember(1) tvapiKey:'K' setId(22)`,
			key:  "K", uid: "22", tier: session.TierNone,
		},
		{
			name:   "terminator missing",
			body:   `tvapiKey:'ABC123` + strings.Repeat("x", 100) + ` setId(4567)`,
			errFld: "api key",
		},
		{
			name:   "quote too far from marker",
			body:   `tvapiKey:` + strings.Repeat(" ", 60) + `'ABC' setId(1)`,
			errFld: "api key",
		},
		{
			name:   "key too long",
			body:   `tvapiKey:'` + strings.Repeat("a", 66) + `' setId(1)`,
			errFld: "api key",
		},
		{
			name: "key at max length",
			body: `tvapiKey:'` + strings.Repeat("a", 65) + `' setId(1) setIsPlusMember(1`,
			key:  strings.Repeat("a", 65), uid: "1", tier: session.TierPlus,
		},
		{
			name:   "no api key marker",
			body:   `setId(1)`,
			errFld: "api key",
		},
		{
			name:   "no user id marker",
			body:   `tvapiKey:'ABC'`,
			errFld: "user id",
		},
		{
			name:   "user id too long",
			body:   `tvapiKey:'ABC' setId(1234567890123456)`,
			errFld: "user id",
		},
		{
			name:   "user id not numeric",
			body:   `tvapiKey:'ABC' setId(abc)`,
			errFld: "user id",
		},
		{
			name:   "empty user id",
			body:   `tvapiKey:'ABC' setId()`,
			errFld: "user id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ScanExtractor{}.Extract(tt.body)
			if tt.errFld != "" {
				var pe *ParseError
				require_.True(t, errors.As(err, &pe), "want ParseError, got %v", err)
				assert_.Equal(t, tt.errFld, pe.Field)
				return
			}
			require_.NoError(t, err)
			assert_.Equal(t, tt.key, id.APIKey)
			assert_.Equal(t, tt.uid, id.UserID)
			assert_.Equal(t, tt.tier, id.Tier)
		})
	}
}

func TestScanExtractor_IsAuthenticated(t *testing.T) {
	assert_.True(t, ScanExtractor{}.IsAuthenticated(`app.setIsAuthenticated(true);`))
	assert_.False(t, ScanExtractor{}.IsAuthenticated(`app.setIsAuthenticated(false);`))
}
