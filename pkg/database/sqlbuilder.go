package database

import (
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

func NewSelectBuilder() *sqlbuilder.SelectBuilder {
	return sqlbuilder.PostgreSQL.NewSelectBuilder()
}

func NewInsertBuilder() *sqlbuilder.InsertBuilder {
	return sqlbuilder.PostgreSQL.NewInsertBuilder()
}

func NewUpdateBuilder() *sqlbuilder.UpdateBuilder {
	return sqlbuilder.PostgreSQL.NewUpdateBuilder()
}

func NewDeleteBuilder() *sqlbuilder.DeleteBuilder {
	return sqlbuilder.PostgreSQL.NewDeleteBuilder()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes LIKE wildcards so value matches literally
func EscapeLike(value string) string {
	return likeEscaper.Replace(value)
}

// ContainsPattern builds a LIKE pattern matching value anywhere
func ContainsPattern(value string) string {
	return "%" + EscapeLike(value) + "%"
}
