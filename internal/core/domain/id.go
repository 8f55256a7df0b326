package domain

import (
	"github.com/google/uuid"
)

type UserID uuid.UUID
type CallID uuid.UUID

func NewUserID() UserID {
	return UserID(uuid.New())
}

func NewCallID() CallID {
	return CallID(uuid.New())
}

func ParseUserID(s string) (UserID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return UserID{}, err
	}
	return UserID(id), nil
}

func ParseCallID(s string) (CallID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return CallID{}, err
	}
	return CallID(id), nil
}

func (id UserID) String() string {
	return uuid.UUID(id).String()
}

func (id UserID) IsZero() bool {
	return id == UserID{}
}

func (id CallID) String() string {
	return uuid.UUID(id).String()
}

func (id CallID) IsZero() bool {
	return id == CallID{}
}
