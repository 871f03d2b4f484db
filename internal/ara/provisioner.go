// Package ara provisions the Asterisk Realtime (ARA) tables the AMI engine
// depends on: one PJSIP endpoint with an outbound registration per account,
// and the dialplan contexts calls are parked in.
package ara

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hamzaKhattat/softphone-core/internal/ami"
	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

// Statement is one parameterized query applied inside a provisioning transaction.
type Statement struct {
	Query string
	Args  []interface{}
}

// Contexts names the dialplan contexts written by DialplanStatements.
type Contexts struct {
	Inbound  string
	Outbound string
	Answer   string
	Hold     string
}

// Extension is one row of the realtime extensions table.
type Extension struct {
	Exten    string
	Priority int
	App      string
	AppData  string
}

type Provisioner struct {
	db       *sql.DB
	contexts Contexts
}

func NewProvisioner(db *sql.DB, contexts Contexts) *Provisioner {
	return &Provisioner{db: db, contexts: contexts}
}

// ProvisionAccount creates or updates the endpoint, auth, aor and registration
// for creds. Object ids equal the extension, which is the registration name
// the engine sends in PJSIPRegister and Originate.
func (p *Provisioner) ProvisionAccount(ctx context.Context, creds models.Credentials) error {
	if creds.Server == "" || creds.Extension == "" {
		return errors.New(errors.ErrEmptyField, "server and extension are required")
	}
	if err := p.apply(ctx, AccountStatements(creds, p.contexts.Inbound)); err != nil {
		return err
	}
	logger.WithContext(ctx).WithFields(map[string]interface{}{
		"extension": creds.Extension,
		"server":    creds.Server,
		"transport": transportOf(creds),
	}).Info("ARA account provisioned")
	return nil
}

func (p *Provisioner) RemoveAccount(ctx context.Context, extension string) error {
	if extension == "" {
		return errors.New(errors.ErrEmptyField, "extension is required")
	}
	if err := p.apply(ctx, RemoveAccountStatements(extension)); err != nil {
		return err
	}
	logger.WithContext(ctx).WithField("extension", extension).Info("ARA account removed")
	return nil
}

// CreateDialplan replaces the softphone contexts in the extensions table.
func (p *Provisioner) CreateDialplan(ctx context.Context) error {
	if err := p.apply(ctx, DialplanStatements(p.contexts)); err != nil {
		return err
	}
	logger.WithContext(ctx).Info("Dialplan created successfully in ARA")
	return nil
}

func (p *Provisioner) apply(ctx context.Context, stmts []Statement) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrStorage, "failed to start transaction")
	}
	defer tx.Rollback()

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.Query, s.Args...); err != nil {
			return errors.Wrap(err, errors.ErrStorage, "failed to apply realtime change").
				WithContext("query", firstLine(s.Query))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrStorage, "failed to commit transaction")
	}
	return nil
}

func transportOf(creds models.Credentials) models.Transport {
	if creds.Transport == "" {
		return models.TransportUDP
	}
	return creds.Transport
}

// AccountStatements upserts the four PJSIP objects for one account.
func AccountStatements(creds models.Credentials, inboundContext string) []Statement {
	id := creds.Extension
	transport := "transport-" + string(transportOf(creds))
	serverURI := "sip:" + creds.Server
	expiration := creds.ExpireTime
	if expiration <= 0 {
		expiration = 3600
	}
	callerID := creds.Extension
	if creds.DisplayName != "" {
		callerID = fmt.Sprintf("%q <%s>", creds.DisplayName, creds.Extension)
	}

	return []Statement{
		{
			Query: `INSERT INTO ps_aors (id, contact, max_contacts, qualify_frequency)
VALUES (?, ?, 1, 60)
ON DUPLICATE KEY UPDATE contact = VALUES(contact)`,
			Args: []interface{}{id, serverURI},
		},
		{
			Query: `INSERT INTO ps_auths (id, auth_type, username, password, realm)
VALUES (?, 'userpass', ?, ?, ?)
ON DUPLICATE KEY UPDATE username = VALUES(username), password = VALUES(password), realm = VALUES(realm)`,
			Args: []interface{}{id, creds.Extension, creds.Password, creds.Server},
		},
		{
			Query: `INSERT INTO ps_endpoints (id, transport, aors, outbound_auth, context, disallow, allow,
    from_user, from_domain, callerid, direct_media, dtmf_mode, rtp_symmetric, force_rport, rewrite_contact)
VALUES (?, ?, ?, ?, ?, 'all', 'ulaw,alaw,opus,vp8,h264', ?, ?, ?, 'no', 'rfc4733', 'yes', 'yes', 'yes')
ON DUPLICATE KEY UPDATE
    transport = VALUES(transport),
    context = VALUES(context),
    from_user = VALUES(from_user),
    from_domain = VALUES(from_domain),
    callerid = VALUES(callerid)`,
			Args: []interface{}{id, transport, id, id, inboundContext, creds.Extension, creds.Server, callerID},
		},
		{
			Query: `INSERT INTO ps_registrations (id, transport, outbound_auth, server_uri, client_uri,
    contact_user, expiration, retry_interval, max_retries, line, endpoint)
VALUES (?, ?, ?, ?, ?, ?, ?, 60, 10, 'yes', ?)
ON DUPLICATE KEY UPDATE
    transport = VALUES(transport),
    server_uri = VALUES(server_uri),
    client_uri = VALUES(client_uri),
    expiration = VALUES(expiration)`,
			Args: []interface{}{id, transport, id, serverURI, fmt.Sprintf("sip:%s@%s", creds.Extension, creds.Server), creds.Extension, expiration, id},
		},
	}
}

// RemoveAccountStatements deletes the PJSIP objects in reverse dependency order.
func RemoveAccountStatements(extension string) []Statement {
	tables := []string{"ps_registrations", "ps_endpoints", "ps_auths", "ps_aors"}
	stmts := make([]Statement, len(tables))
	for i, t := range tables {
		stmts[i] = Statement{Query: "DELETE FROM " + t + " WHERE id = ?", Args: []interface{}{extension}}
	}
	return stmts
}

// Dialplan returns the extensions of every softphone context. Incoming calls
// ring in Inbound until the engine redirects them to Answer; Hold plays music
// until redirected back.
func Dialplan(c Contexts) map[string][]Extension {
	return map[string][]Extension{
		c.Inbound: {
			{Exten: "_X.", Priority: 1, App: "NoOp", AppData: "Incoming softphone call: ${CALLERID(num)} -> ${EXTEN}"},
			{Exten: "_X.", Priority: 2, App: "Ringing"},
			{Exten: "_X.", Priority: 3, App: "Wait", AppData: "60"},
			{Exten: "_X.", Priority: 4, App: "Hangup", AppData: "19"},
		},
		c.Outbound: {
			{Exten: "_X.", Priority: 1, App: "NoOp", AppData: "Softphone call ${SOFTPHONE_CALL_ID} to ${EXTEN}"},
			{Exten: "_X.", Priority: 2, App: "Answer"},
			{Exten: "_X.", Priority: 3, App: "Wait", AppData: "7200"},
			{Exten: "_X.", Priority: 4, App: "Hangup"},
		},
		c.Answer: {
			{Exten: "_X.", Priority: 1, App: "NoOp", AppData: "Softphone answered ${EXTEN}"},
			{Exten: "_X.", Priority: 2, App: "Answer"},
			{Exten: "_X.", Priority: 3, App: "Wait", AppData: "7200"},
			{Exten: "_X.", Priority: 4, App: "Hangup"},
		},
		c.Hold: {
			{Exten: "_X.", Priority: 1, App: "NoOp", AppData: "Softphone hold ${EXTEN}"},
			{Exten: "_X.", Priority: 2, App: "Answer"},
			{Exten: "_X.", Priority: 3, App: "MusicOnHold", AppData: "default"},
			{Exten: "_X.", Priority: 4, App: "Hangup"},
		},
	}
}

// DialplanStatements clears and rewrites every softphone context.
func DialplanStatements(c Contexts) []Statement {
	plan := Dialplan(c)
	var stmts []Statement
	for _, name := range []string{c.Inbound, c.Outbound, c.Answer, c.Hold} {
		stmts = append(stmts, Statement{Query: "DELETE FROM extensions WHERE context = ?", Args: []interface{}{name}})
		for _, ext := range plan[name] {
			stmts = append(stmts, Statement{
				Query: "INSERT INTO extensions (context, exten, priority, app, appdata) VALUES (?, ?, ?, ?, ?)",
				Args:  []interface{}{name, ext.Exten, ext.Priority, ext.App, ext.AppData},
			})
		}
	}
	return stmts
}

// Reload asks Asterisk to reread the PJSIP realtime objects.
func Reload(ctx context.Context, sender ami.ActionSender) error {
	resp, err := sender.SendAction(ctx, ami.Action{
		Action: "Reload",
		Fields: map[string]string{"Module": "res_pjsip.so"},
	})
	if err != nil {
		return err
	}
	if resp["Response"] != "Success" {
		return errors.Newf(errors.ErrEngineRejected, "reload failed: %s", resp["Message"])
	}
	logger.WithContext(ctx).Info("PJSIP configuration reloaded")
	return nil
}

func firstLine(q string) string {
	if i := strings.IndexByte(q, '\n'); i >= 0 {
		return q[:i]
	}
	return q
}
