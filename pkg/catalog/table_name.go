package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	MinTableNameLength = 3
	MaxTableNameLength = 64
)

// use NewTableName to construct a TableName
type TableName struct {
	Name string
}

var TableNameZero = TableName{}

var tableNameChars = regexp.MustCompile("^$|^[A-Z][A-Z0-9_]*$")

var (
	ErrTableNameInvalid  = errors.New("Table names must be only letters, numbers, and single underscore")
	ErrTableNameTooLong  = fmt.Errorf("Table names can only be up to %d characters", MaxTableNameLength)
	ErrTableNameTooShort = fmt.Errorf("Table names must be at least %d characters", MinTableNameLength)
)

func NewTableName(name string) (TableName, error) {
	normalized, err := normalizeTableName(name)
	if err != nil {
		return TableNameZero, err
	}
	return TableName{normalized}, nil
}

func (tn TableName) String() string {
	return tn.Name
}

// APIPath is the vendor endpoint segment for the table, which by convention
// is the lowercased table name.
func (tn TableName) APIPath() string {
	return strings.ToLower(tn.Name)
}

func normalizeTableName(tableName string) (string, error) {
	uppered := strings.ToUpper(tableName)
	if strings.Contains(uppered, "__") {
		return "", ErrTableNameInvalid
	}
	if !tableNameChars.MatchString(uppered) {
		return "", ErrTableNameInvalid
	}
	if len(uppered) > MaxTableNameLength {
		return "", ErrTableNameTooLong
	}
	if len(uppered) < MinTableNameLength {
		return "", ErrTableNameTooShort
	}
	return uppered, nil
}
