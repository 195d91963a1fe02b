package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Unread counters live on the contact and group_members rows; every counter
// operation is a single-row UPDATE, so concurrent increments never lose updates.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "zerochat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("conversation: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("conversation: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "zerochat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("conversation: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) t(table string) string { return pgIdent(s.schema, table) }

func (s *PostgresStore) ready(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("conversation: nil store")
	}
	return ctx.Err()
}

const contactCols = `id, owner_id, peer_id, unread_count, blocked, active, created_at`

func scanContact(row pgx.Row) (Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.OwnerID, &c.PeerID, &c.Unread, &c.Blocked, &c.Active, &c.CreatedAt)
	return c, err
}

const groupCols = `id, name, description, image, created_by, last_message_sender, last_message_text, last_message_time, created_at`

func scanGroup(row pgx.Row) (Group, error) {
	var g Group
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.Image, &g.CreatedBy,
		&g.LastMessageSender, &g.LastMessageText, &g.LastMessageTime, &g.CreatedAt)
	return g, err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) FindConversation(ctx context.Context, kind Kind, id string) (Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return Conversation{}, err
	}
	if !validKind(kind) || blank(id) {
		return Conversation{}, ErrInvalidInput
	}

	if kind == KindContact {
		c, err := scanContact(s.pool.QueryRow(ctx,
			`SELECT `+contactCols+` FROM `+s.t("contacts")+` WHERE id = $1`, id))
		if err != nil {
			return Conversation{}, notFound(err)
		}
		return Conversation{Kind: kind, ID: id, Contact: &c}, nil
	}

	g, err := scanGroup(s.pool.QueryRow(ctx,
		`SELECT `+groupCols+` FROM `+s.t("chat_groups")+` WHERE id = $1`, id))
	if err != nil {
		return Conversation{}, notFound(err)
	}
	return Conversation{Kind: kind, ID: id, Group: &g}, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, kind Kind, id string) ([]Participant, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if !validKind(kind) || blank(id) {
		return nil, ErrInvalidInput
	}

	if kind == KindContact {
		contacts := s.t("contacts")
		var (
			p       [2]Participant
			peerID  *string
			blocked *bool
		)
		err := s.pool.QueryRow(ctx,
			`SELECT c.owner_id, c.id, c.blocked, c.peer_id, r.id, r.blocked
			   FROM `+contacts+` c
			   LEFT JOIN `+contacts+` r ON r.owner_id = c.peer_id AND r.peer_id = c.owner_id
			  WHERE c.id = $1`, id,
		).Scan(&p[0].UserID, &p[0].ConversationID, &p[0].Blocked, &p[1].UserID, &peerID, &blocked)
		if err != nil {
			return nil, notFound(err)
		}
		if peerID != nil {
			p[1].ConversationID = *peerID
		}
		if blocked != nil {
			p[1].Blocked = *blocked
		}
		return p[:], nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.t("chat_groups")+` WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+s.t("group_members")+`
		  WHERE group_id = $1
		  ORDER BY joined_at ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, Participant{UserID: uid, ConversationID: id})
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertMessage(ctx context.Context, in NewMessage) (Message, error) {
	if err := s.ready(ctx); err != nil {
		return Message{}, err
	}
	if err := validateNewMessage(in); err != nil {
		return Message{}, err
	}
	if in.PostedAt.IsZero() {
		in.PostedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	switch in.Kind {
	case KindContact:
		contacts := s.t("contacts")
		tag, err := tx.Exec(ctx,
			`UPDATE `+contacts+` SET active = true
			  WHERE id = $1
			     OR (owner_id, peer_id) = (SELECT peer_id, owner_id FROM `+contacts+` WHERE id = $1)`,
			in.ConversationID)
		if err != nil {
			return Message{}, fmt.Errorf("activate contact: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return Message{}, ErrNotFound
		}
	case KindGroup:
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+s.t("chat_groups")+` WHERE id = $1)`, in.ConversationID,
		).Scan(&exists); err != nil {
			return Message{}, err
		}
		if !exists {
			return Message{}, ErrNotFound
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("messages")+` (id, kind, conversation_id, sender_id, client_msg_id, body, posted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ID, string(in.Kind), in.ConversationID, in.SenderID, in.ClientMsgID, in.Body, in.PostedAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return Message(in), nil
}

func (s *PostgresStore) UpdateGroupSummary(ctx context.Context, in GroupSummary) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if blank(in.GroupID) || blank(in.SenderID) {
		return ErrInvalidInput
	}

	// Older summaries never overwrite newer ones.
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("chat_groups")+`
		    SET last_message_sender = $2,
		        last_message_text = $3,
		        last_message_time = $4
		  WHERE id = $1 AND last_message_time <= $4`,
		in.GroupID, in.SenderID, in.Text, in.At)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		_, err := s.FindConversation(ctx, KindGroup, in.GroupID)
		return err
	}
	return nil
}

// counterTarget returns the table and WHERE clause selecting one unread slot.
func (s *PostgresStore) counterTarget(kind Kind) (string, string, error) {
	switch kind {
	case KindContact:
		return s.t("contacts"), `id = $1 AND owner_id = $2`, nil
	case KindGroup:
		return s.t("group_members"), `group_id = $1 AND user_id = $2`, nil
	default:
		return "", "", ErrInvalidInput
	}
}

func (s *PostgresStore) IncrementUnread(ctx context.Context, kind Kind, conversationID, userID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	table, where, err := s.counterTarget(kind)
	if err != nil {
		return 0, err
	}

	var n int
	err = s.pool.QueryRow(ctx,
		`UPDATE `+table+` SET unread_count = unread_count + 1
		  WHERE `+where+`
		RETURNING unread_count`,
		conversationID, userID,
	).Scan(&n)
	return n, notFound(err)
}

func (s *PostgresStore) ResetUnread(ctx context.Context, kind Kind, conversationID, userID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	table, where, err := s.counterTarget(kind)
	if err != nil {
		return 0, err
	}

	var prev int
	err = s.pool.QueryRow(ctx,
		`UPDATE `+table+` t
		    SET unread_count = 0
		   FROM (SELECT ctid, unread_count FROM `+table+` WHERE `+where+` FOR UPDATE) old
		  WHERE t.ctid = old.ctid
		RETURNING old.unread_count`,
		conversationID, userID,
	).Scan(&prev)
	return prev, notFound(err)
}

func (s *PostgresStore) Unread(ctx context.Context, kind Kind, conversationID, userID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	table, where, err := s.counterTarget(kind)
	if err != nil {
		return 0, err
	}

	var n int
	err = s.pool.QueryRow(ctx,
		`SELECT unread_count FROM `+table+` WHERE `+where,
		conversationID, userID,
	).Scan(&n)
	return n, notFound(err)
}

// historyIDs returns the conversation ids whose messages form the thread.
func (s *PostgresStore) historyIDs(ctx context.Context, kind Kind, id string) ([]string, error) {
	if kind == KindGroup {
		if _, err := s.FindConversation(ctx, kind, id); err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	parts, err := s.ListParticipants(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	ids := []string{id}
	if len(parts) == 2 && parts[1].ConversationID != "" {
		ids = append(ids, parts[1].ConversationID)
	}
	return ids, nil
}

func (s *PostgresStore) History(ctx context.Context, in HistoryQuery) (HistoryPage, error) {
	if err := s.ready(ctx); err != nil {
		return HistoryPage{}, err
	}
	if !validKind(in.Kind) || blank(in.ConversationID) {
		return HistoryPage{}, ErrInvalidInput
	}
	limit := clampLimit(in.Limit)
	fetch := limit + 1

	convIDs, err := s.historyIDs(ctx, in.Kind, in.ConversationID)
	if err != nil {
		return HistoryPage{}, err
	}

	messages := s.t("messages")
	var rows pgx.Rows
	if in.Before == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, kind, conversation_id, sender_id, client_msg_id, body, posted_at
			   FROM `+messages+`
			  WHERE conversation_id = ANY($1)
			  ORDER BY posted_at DESC, id DESC
			  LIMIT $2`,
			convIDs, fetch)
	} else {
		var cursorAt time.Time
		if err := s.pool.QueryRow(ctx,
			`SELECT posted_at FROM `+messages+` WHERE id = $1 AND conversation_id = ANY($2)`,
			in.Before, convIDs,
		).Scan(&cursorAt); err != nil {
			return HistoryPage{}, notFound(err)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT id, kind, conversation_id, sender_id, client_msg_id, body, posted_at
			   FROM `+messages+`
			  WHERE conversation_id = ANY($1) AND (posted_at, id) < ($2, $3)
			  ORDER BY posted_at DESC, id DESC
			  LIMIT $4`,
			convIDs, cursorAt, in.Before, fetch)
	}
	if err != nil {
		return HistoryPage{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var (
			m    Message
			kind string
		)
		if err := rows.Scan(&m.ID, &kind, &m.ConversationID, &m.SenderID, &m.ClientMsgID, &m.Body, &m.PostedAt); err != nil {
			return HistoryPage{}, err
		}
		m.Kind = Kind(kind)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return HistoryPage{Messages: msgs, HasMore: hasMore}, nil
}

func (s *PostgresStore) ListRooms(ctx context.Context, userID string) (Rooms, error) {
	if err := s.ready(ctx); err != nil {
		return Rooms{}, err
	}
	if blank(userID) {
		return Rooms{}, ErrInvalidInput
	}

	var out Rooms

	rows, err := s.pool.Query(ctx,
		`SELECT `+contactCols+` FROM `+s.t("contacts")+` WHERE owner_id = $1 ORDER BY id`, userID)
	if err != nil {
		return Rooms{}, err
	}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			rows.Close()
			return Rooms{}, err
		}
		out.Contacts = append(out.Contacts, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Rooms{}, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT g.id, g.name, g.description, g.image, g.created_by, g.last_message_sender,
		        g.last_message_text, g.last_message_time, g.created_at,
		        m.id, m.role, m.unread_count, m.joined_at
		   FROM `+s.t("group_members")+` m
		   JOIN `+s.t("chat_groups")+` g ON g.id = m.group_id
		  WHERE m.user_id = $1
		  ORDER BY g.last_message_time DESC, g.id ASC`, userID)
	if err != nil {
		return Rooms{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			gr   GroupRoom
			role string
		)
		g := &gr.Group
		m := &gr.Membership
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.Image, &g.CreatedBy, &g.LastMessageSender,
			&g.LastMessageText, &g.LastMessageTime, &g.CreatedAt,
			&m.ID, &role, &m.Unread, &m.JoinedAt); err != nil {
			return Rooms{}, err
		}
		m.GroupID = g.ID
		m.UserID = userID
		m.Role = Role(role)
		out.Groups = append(out.Groups, gr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateContact(ctx context.Context, in NewContact) (ContactPair, error) {
	if err := s.ready(ctx); err != nil {
		return ContactPair{}, err
	}
	if err := validateNewContact(in); err != nil {
		return ContactPair{}, err
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return ContactPair{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	contacts := s.t("contacts")
	insert := `INSERT INTO ` + contacts + ` (id, owner_id, peer_id, created_at)
	           VALUES ($1, $2, $3, $4)
	           ON CONFLICT (owner_id, peer_id) DO NOTHING`

	tag, err := tx.Exec(ctx, insert, in.OwnerEdgeID, in.OwnerID, in.PeerID, in.Now)
	if err != nil {
		return ContactPair{}, fmt.Errorf("insert contact: %w", err)
	}
	created := tag.RowsAffected() == 1
	if _, err := tx.Exec(ctx, insert, in.PeerEdgeID, in.PeerID, in.OwnerID, in.Now); err != nil {
		return ContactPair{}, fmt.Errorf("insert reverse contact: %w", err)
	}

	byPair := `SELECT ` + contactCols + ` FROM ` + contacts + ` WHERE owner_id = $1 AND peer_id = $2`
	owner, err := scanContact(tx.QueryRow(ctx, byPair, in.OwnerID, in.PeerID))
	if err != nil {
		return ContactPair{}, err
	}
	peer, err := scanContact(tx.QueryRow(ctx, byPair, in.PeerID, in.OwnerID))
	if err != nil {
		return ContactPair{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ContactPair{}, err
	}
	return ContactPair{Owner: owner, Peer: peer, Created: created}, nil
}

func (s *PostgresStore) SetContactBlocked(ctx context.Context, contactID, ownerID string, blocked bool) (Contact, error) {
	if err := s.ready(ctx); err != nil {
		return Contact{}, err
	}
	c, err := scanContact(s.pool.QueryRow(ctx,
		`UPDATE `+s.t("contacts")+` SET blocked = $3
		  WHERE id = $1 AND owner_id = $2
		RETURNING `+contactCols,
		contactID, ownerID, blocked))
	return c, notFound(err)
}

func (s *PostgresStore) CreateGroup(ctx context.Context, in NewGroup) (Group, []Membership, error) {
	if err := s.ready(ctx); err != nil {
		return Group{}, nil, err
	}
	if err := validateNewGroup(in); err != nil {
		return Group{}, nil, err
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Group{}, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	g := Group{
		ID:                in.ID,
		Name:              in.Name,
		Description:       in.Description,
		Image:             in.Image,
		CreatedBy:         in.CreatedBy,
		LastMessageSender: in.CreatedBy,
		LastMessageTime:   in.Now,
		CreatedAt:         in.Now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("chat_groups")+` (`+groupCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID, g.Name, g.Description, g.Image, g.CreatedBy,
		g.LastMessageSender, g.LastMessageText, g.LastMessageTime, g.CreatedAt,
	); err != nil {
		return Group{}, nil, fmt.Errorf("insert group: %w", err)
	}

	users, memIDs := groupMembers(in)
	batch := &pgx.Batch{}
	mems := make([]Membership, 0, len(users))
	for i, u := range users {
		role := RoleMember
		if u == in.CreatedBy {
			role = RoleAdmin
		}
		m := Membership{ID: memIDs[i], GroupID: g.ID, UserID: u, Role: role, JoinedAt: in.Now}
		mems = append(mems, m)
		batch.Queue(
			`INSERT INTO `+s.t("group_members")+` (id, group_id, user_id, role, joined_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			m.ID, m.GroupID, m.UserID, string(m.Role), m.JoinedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return Group{}, nil, fmt.Errorf("insert members: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Group{}, nil, err
	}
	return g, mems, nil
}

func (s *PostgresStore) AddGroupMember(ctx context.Context, in NewMembership) (Membership, bool, error) {
	if err := s.ready(ctx); err != nil {
		return Membership{}, false, err
	}
	if blank(in.ID) || blank(in.GroupID) || blank(in.UserID) {
		return Membership{}, false, ErrInvalidInput
	}
	if in.Role == "" {
		in.Role = RoleMember
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	if _, err := s.FindConversation(ctx, KindGroup, in.GroupID); err != nil {
		return Membership{}, false, err
	}

	members := s.t("group_members")
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+members+` (id, group_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (group_id, user_id) DO NOTHING`,
		in.ID, in.GroupID, in.UserID, string(in.Role), in.Now)
	if err != nil {
		return Membership{}, false, fmt.Errorf("insert member: %w", err)
	}

	var (
		m    Membership
		role string
	)
	if err := s.pool.QueryRow(ctx,
		`SELECT id, group_id, user_id, role, unread_count, joined_at
		   FROM `+members+` WHERE group_id = $1 AND user_id = $2`,
		in.GroupID, in.UserID,
	).Scan(&m.ID, &m.GroupID, &m.UserID, &role, &m.Unread, &m.JoinedAt); err != nil {
		return Membership{}, false, notFound(err)
	}
	m.Role = Role(role)
	return m, tag.RowsAffected() == 1, nil
}

// ApplySchema creates the tables PostgresStore needs inside schema.
// It is idempotent; production deployments may manage the same DDL externally.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("conversation: nil pool")
	}
	if !isValidPGIdent(schema) {
		return errors.New("conversation: invalid schema identifier")
	}

	contacts := pgIdent(schema, "contacts")
	groups := pgIdent(schema, "chat_groups")
	members := pgIdent(schema, "group_members")
	messages := pgIdent(schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  owner_id     TEXT NOT NULL,
  peer_id      TEXT NOT NULL,
  unread_count INTEGER NOT NULL DEFAULT 0,
  blocked      BOOLEAN NOT NULL DEFAULT false,
  active       BOOLEAN NOT NULL DEFAULT false,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_contacts_pair UNIQUE (owner_id, peer_id),
  CONSTRAINT chk_contacts_not_self CHECK (owner_id <> peer_id),
  CONSTRAINT chk_contacts_unread CHECK (unread_count >= 0)
);

CREATE TABLE IF NOT EXISTS %s (
  id                  TEXT PRIMARY KEY,
  name                TEXT NOT NULL,
  description         TEXT NOT NULL DEFAULT '',
  image               TEXT NOT NULL DEFAULT '',
  created_by          TEXT NOT NULL,
  last_message_sender TEXT NOT NULL,
  last_message_text   TEXT NOT NULL DEFAULT '',
  last_message_time   TIMESTAMPTZ NOT NULL,
  created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  group_id     TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id      TEXT NOT NULL,
  role         TEXT NOT NULL CHECK (role IN ('admin', 'member')),
  unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
  joined_at    TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_group_members UNIQUE (group_id, user_id)
);

CREATE INDEX IF NOT EXISTS ix_group_members_user ON %s (user_id);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  kind            TEXT NOT NULL CHECK (kind IN ('contact', 'group')),
  conversation_id TEXT NOT NULL,
  sender_id       TEXT NOT NULL,
  client_msg_id   TEXT NOT NULL DEFAULT '',
  body            TEXT NOT NULL CHECK (char_length(body) > 0),
  posted_at       TIMESTAMPTZ NOT NULL
);

ALTER TABLE %s ADD COLUMN IF NOT EXISTS client_msg_id TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS ix_messages_conversation ON %s (conversation_id, posted_at, id);
`,
		pgx.Identifier{schema}.Sanitize(),
		contacts,
		groups,
		members, groups,
		members,
		messages,
		messages,
		messages,
	)

	_, err := pool.Exec(ctx, ddl)
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
