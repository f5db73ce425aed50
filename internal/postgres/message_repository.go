package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
)

// MessageRepository abstracts all database access for messages.
type MessageRepository interface {
	Create(ctx context.Context, username, content string) (*domain.Message, error)
	GetByID(ctx context.Context, id int64) (*domain.Message, error)
	List(ctx context.Context, offset, limit int, filter domain.MessageFilter) ([]*domain.Message, error)
	Count(ctx context.Context, filter domain.MessageFilter) (int, error)
	MarkRead(ctx context.Context, id int64) (*domain.Message, error)
	Delete(ctx context.Context, id int64) (bool, error)
	Ping(ctx context.Context) error
}

type messageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository wraps a pgxpool with the MessageRepository interface.
func NewMessageRepository(pool *pgxpool.Pool) MessageRepository {
	return &messageRepository{pool: pool}
}

const messageColumns = `id, username, content, is_read, created_at`

func (r *messageRepository) Create(ctx context.Context, username, content string) (*domain.Message, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO messages (username, content)
		VALUES ($1, $2)
		RETURNING `+messageColumns,
		username, content,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, translate("create message", err)
	}
	return msg, nil
}

func (r *messageRepository) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, messageNotFound(id)
		}
		return nil, translate("get message", err)
	}
	return msg, nil
}

func (r *messageRepository) List(ctx context.Context, offset, limit int, filter domain.MessageFilter) ([]*domain.Message, error) {
	where, args := filterClause(filter)
	args = append(args, offset, limit)
	n := len(args)

	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages`+where+`
		ORDER BY created_at DESC, id DESC
		OFFSET $`+strconv.Itoa(n-1)+` LIMIT $`+strconv.Itoa(n),
		args...,
	)
	if err != nil {
		return nil, translate("list messages", err)
	}
	defer rows.Close()

	messages := make([]*domain.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, translate("scan message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list messages", err)
	}
	return messages, nil
}

func (r *messageRepository) Count(ctx context.Context, filter domain.MessageFilter) (int, error) {
	where, args := filterClause(filter)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM messages`+where, args...).Scan(&total); err != nil {
		return 0, translate("count messages", err)
	}
	return total, nil
}

func (r *messageRepository) MarkRead(ctx context.Context, id int64) (*domain.Message, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE id = $1
		RETURNING `+messageColumns,
		id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, messageNotFound(id)
		}
		return nil, translate("mark message read", err)
	}
	return msg, nil
}

func (r *messageRepository) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return false, translate("delete message", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *messageRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return translate("ping", err)
	}
	return nil
}

// filterClause renders the equality filters as a WHERE clause with positional
// arguments starting at $1.
func filterClause(filter domain.MessageFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.Username != nil {
		args = append(args, *filter.Username)
		conds = append(conds, fmt.Sprintf("username = $%d", len(args)))
	}
	if filter.IsRead != nil {
		args = append(args, *filter.IsRead)
		conds = append(conds, fmt.Sprintf("is_read = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// scanMessage reads a message row from any pgx row type.
func scanMessage(row interface {
	Scan(...any) error
}) (*domain.Message, error) {
	var msg domain.Message
	if err := row.Scan(&msg.ID, &msg.Username, &msg.Content, &msg.IsRead, &msg.CreatedAt); err != nil {
		return nil, err
	}
	return &msg, nil
}

func messageNotFound(id int64) error {
	return &domain.NotFoundError{Entity: "message", ID: strconv.FormatInt(id, 10)}
}
