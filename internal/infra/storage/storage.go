// Package storage — утилиты работы с локальным хранилищем: гарантия наличия
// каталога для целевого пути и права на файлы данных. Используется при
// открытии bbolt-базы.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFilePerm — права на итоговые файлы данных: доступ только владельцу процесса.
const DefaultFilePerm = 0o600

// EnsureDir гарантирует наличие каталога для указанного файла.
// Если путь не содержит директорию ("." или пустая строка), ничего не делает.
// Создание выполняется с правами 0o700, ошибки оборачиваются с указанием каталога.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}
