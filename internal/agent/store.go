package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNotFound is returned when an agent or profile row does not exist.
var ErrNotFound = errors.New("agent not found")

// Config is one agent definition as stored in agent_configs.
type Config struct {
	AgentID      string
	BusinessID   string
	Name         string
	Style        string
	Model        string
	RoleKey      string
	Role         string
	Channels     []string
	Active       bool
	Icon         string
	Service      string
	Instructions string
	Tools        []string
}

// Profile is the business card attached to an agent, folded into the
// system prompt. Schedule, Phones and Links hold raw JSON arrays.
type Profile struct {
	BusinessName string
	Niche        string
	Description  string
	Address      string
	Payment      string
	Delivery     string
	Schedule     []byte
	Phones       []byte
	Links        []byte
}

// ConfigStore loads agent definitions and business profiles.
type ConfigStore interface {
	Load(ctx context.Context, businessID, agentID string) (Config, error)
	Profile(ctx context.Context, agentID string) (Profile, error)
}

const configColumns = `agent_id, business_id, agent_name, agent_style, agent_model,
	agent_role_key, agent_role, agent_channels, agent_active, agent_icon,
	agent_service, agent_instructions, agent_tools`

// ConfigRepository reads agent rows from Postgres.
type ConfigRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewConfigRepository wraps an open database handle.
func NewConfigRepository(db *sql.DB, logger *zap.Logger) *ConfigRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigRepository{db: db, logger: logger}
}

var _ ConfigStore = (*ConfigRepository)(nil)

// Load returns the agent definition. An empty businessID looks the
// agent up by id alone.
func (r *ConfigRepository) Load(ctx context.Context, businessID, agentID string) (Config, error) {
	var row *sql.Row
	if businessID == "" {
		row = r.db.QueryRowContext(ctx,
			`SELECT `+configColumns+` FROM agent_configs WHERE agent_id = $1`, agentID)
	} else {
		row = r.db.QueryRowContext(ctx,
			`SELECT `+configColumns+` FROM agent_configs WHERE business_id = $1 AND agent_id = $2`,
			businessID, agentID)
	}
	return scanConfig(row)
}

// FindByChannel returns an active agent subscribed to channel, used to
// route inbound webhook traffic.
func (r *ConfigRepository) FindByChannel(ctx context.Context, channel string) (Config, error) {
	member, err := json.Marshal([]string{channel})
	if err != nil {
		return Config{}, fmt.Errorf("encoding channel: %w", err)
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM agent_configs
		 WHERE agent_channels @> $1::jsonb AND agent_active LIMIT 1`,
		string(member))
	return scanConfig(row)
}

// Profile returns the business profile for an agent, or ErrNotFound
// when none was filled in yet.
func (r *ConfigRepository) Profile(ctx context.Context, agentID string) (Profile, error) {
	var (
		p        Profile
		name     sql.NullString
		niche    sql.NullString
		descr    sql.NullString
		address  sql.NullString
		payment  sql.NullString
		delivery sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT business_name, business_niche, business_description, business_address,
		        business_payment, business_delivery, business_schedule, business_phones, business_links
		 FROM agent_profiles WHERE agent_id = $1`, agentID).
		Scan(&name, &niche, &descr, &address, &payment, &delivery, &p.Schedule, &p.Phones, &p.Links)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("loading business profile: %w", err)
	}
	p.BusinessName = name.String
	p.Niche = niche.String
	p.Description = descr.String
	p.Address = address.String
	p.Payment = payment.String
	p.Delivery = delivery.String
	return p, nil
}

func scanConfig(row *sql.Row) (Config, error) {
	var (
		cfg      Config
		name     sql.NullString
		style    sql.NullString
		model    sql.NullString
		roleKey  sql.NullString
		role     sql.NullString
		active   sql.NullBool
		icon     sql.NullString
		service  sql.NullString
		instr    sql.NullString
		channels []byte
		tools    []byte
	)
	err := row.Scan(&cfg.AgentID, &cfg.BusinessID, &name, &style, &model,
		&roleKey, &role, &channels, &active, &icon, &service, &instr, &tools)
	if errors.Is(err, sql.ErrNoRows) {
		return Config{}, ErrNotFound
	}
	if err != nil {
		return Config{}, fmt.Errorf("loading agent config: %w", err)
	}
	cfg.Name = name.String
	cfg.Active = active.Bool
	cfg.Style = style.String
	cfg.Model = model.String
	cfg.RoleKey = roleKey.String
	cfg.Role = role.String
	cfg.Icon = icon.String
	cfg.Service = service.String
	cfg.Instructions = instr.String
	cfg.Channels = decodeNameList(channels)
	cfg.Tools = decodeNameList(tools)
	return cfg, nil
}

// decodeNameList reads a jsonb column that should hold a string array
// but historically also carried single strings or nested encodings.
func decodeNameList(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return []string{string(raw)}
	}
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(val))
		for _, it := range val {
			if s := anyString(it); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return stringList(val)
	default:
		return []string{anyString(val)}
	}
}
