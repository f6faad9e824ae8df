package storage

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
)

type participantRow struct {
	conversationID, userID uuid.UUID
}

type participantBulk struct {
	rows []participantRow
	idx  int
}

func (pr participantRow) toInterface() []interface{} {
	return []interface{}{pr.conversationID, pr.userID}
}

func copyFromParticipants(rows []participantRow) pgx.CopyFromSource {
	return &participantBulk{
		rows: rows,
		idx:  -1,
	}
}

func (pb *participantBulk) Next() bool {
	pb.idx++
	return pb.idx < len(pb.rows)
}

func (pb *participantBulk) Values() ([]interface{}, error) {
	return pb.rows[pb.idx].toInterface(), nil
}

func (pb *participantBulk) Err() error {
	return nil
}
