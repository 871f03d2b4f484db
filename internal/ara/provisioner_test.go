package ara

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/softphone-core/internal/ami"
	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

var testContexts = Contexts{
	Inbound:  "softphone-inbound",
	Outbound: "softphone-outbound",
	Answer:   "softphone-answer",
	Hold:     "softphone-hold",
}

func TestAccountStatements(t *testing.T) {
	stmts := AccountStatements(models.Credentials{
		Server:      "pbx.local",
		Extension:   "1001",
		Password:    "secret",
		DisplayName: "Alice",
		Transport:   models.TransportTLS,
	}, testContexts.Inbound)

	require.Len(t, stmts, 4)
	for i, table := range []string{"ps_aors", "ps_auths", "ps_endpoints", "ps_registrations"} {
		assert.True(t, strings.HasPrefix(stmts[i].Query, "INSERT INTO "+table+" "), stmts[i].Query)
		assert.Equal(t, strings.Count(stmts[i].Query, "?"), len(stmts[i].Args), table)
		assert.Equal(t, "1001", stmts[i].Args[0])
	}

	assert.Equal(t, "sip:pbx.local", stmts[0].Args[1])
	assert.Contains(t, stmts[2].Args, "transport-tls")
	assert.Contains(t, stmts[2].Args, "softphone-inbound")
	assert.Contains(t, stmts[2].Args, `"Alice" <1001>`)
	assert.Contains(t, stmts[3].Args, "sip:1001@pbx.local")
	assert.Contains(t, stmts[3].Args, 3600)
}

func TestAccountStatementsDefaults(t *testing.T) {
	stmts := AccountStatements(models.Credentials{Server: "pbx.local", Extension: "1002", ExpireTime: 300}, "in")
	assert.Contains(t, stmts[2].Args, "transport-udp")
	assert.Contains(t, stmts[2].Args, "1002")
	assert.Contains(t, stmts[3].Args, 300)
}

func TestRemoveAccountStatements(t *testing.T) {
	stmts := RemoveAccountStatements("1001")
	require.Len(t, stmts, 4)
	assert.Equal(t, "DELETE FROM ps_registrations WHERE id = ?", stmts[0].Query)
	assert.Equal(t, "DELETE FROM ps_aors WHERE id = ?", stmts[3].Query)
	for _, s := range stmts {
		assert.Equal(t, []interface{}{"1001"}, s.Args)
	}
}

func TestDialplanStatements(t *testing.T) {
	stmts := DialplanStatements(testContexts)

	cleared := map[string]bool{}
	inserted := map[string]int{}
	for _, s := range stmts {
		ctxName := s.Args[0].(string)
		if strings.HasPrefix(s.Query, "DELETE") {
			assert.Zero(t, inserted[ctxName], "context cleared after insert")
			cleared[ctxName] = true
			continue
		}
		require.True(t, cleared[ctxName])
		inserted[ctxName]++
		assert.Len(t, s.Args, 5)
	}
	assert.Equal(t, map[string]int{
		"softphone-inbound":  4,
		"softphone-outbound": 4,
		"softphone-answer":   4,
		"softphone-hold":     4,
	}, inserted)

	hold := Dialplan(testContexts)["softphone-hold"]
	assert.Equal(t, "MusicOnHold", hold[2].App)
}

type sender struct {
	resp   ami.Event
	err    error
	action ami.Action
}

func (s *sender) SendAction(ctx context.Context, action ami.Action) (ami.Event, error) {
	s.action = action
	return s.resp, s.err
}

func (s *sender) IsLoggedIn() bool { return true }

func TestReload(t *testing.T) {
	logger.Discard()

	s := &sender{resp: ami.Event{"Response": "Success"}}
	require.NoError(t, Reload(context.Background(), s))
	assert.Equal(t, "Reload", s.action.Action)
	assert.Equal(t, "res_pjsip.so", s.action.Fields["Module"])

	s.resp = ami.Event{"Response": "Error", "Message": "No such module"}
	err := Reload(context.Background(), s)
	assert.True(t, errors.Is(err, errors.ErrEngineRejected))

	s.err = errors.New(errors.ErrEngineUnavailable, "not connected to AMI")
	err = Reload(context.Background(), s)
	assert.True(t, errors.Is(err, errors.ErrEngineUnavailable))
}

func TestProvisionAccountRequiresFields(t *testing.T) {
	p := NewProvisioner(nil, testContexts)
	err := p.ProvisionAccount(context.Background(), models.Credentials{Server: "pbx.local"})
	assert.True(t, errors.Is(err, errors.ErrEmptyField))

	err = p.RemoveAccount(context.Background(), "")
	assert.True(t, errors.Is(err, errors.ErrEmptyField))
}
