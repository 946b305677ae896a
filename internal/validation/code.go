// Package validation содержит генерацию и синтаксическую проверку кодов обмена.
package validation

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// CodeLength задаёт длину кода обмена в символах.
const CodeLength = 16

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateCode возвращает новый код обмена: 16 символов алфавита base32
// (A-Z, 2-7) из случайных байт UUID. Уникальность гарантируется не здесь,
// а уникальным индексом в хранилище с повторной генерацией при коллизии.
func GenerateCode() string {
	id := uuid.New()
	return codeEncoding.EncodeToString(id[:])[:CodeLength]
}

// IsValidCode проверяет синтаксис кода обмена до обращения к хранилищу.
func IsValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range strings.ToUpper(code) {
		if (r < 'A' || r > 'Z') && (r < '2' || r > '7') {
			return false
		}
	}
	return true
}

// NormalizeCode приводит код к каноническому виду для поиска в хранилище.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
