package durability

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const metaFilename = "meta.v1"

type metaFile struct {
	PasswordHash string `json:"password_hash,omitempty"`
	Title        string `json:"title,omitempty"`
	CreatedMs    int64  `json:"created_ms"`
}

func readMeta(dir string) (passwordHash []byte, title string, createdMs int64, err error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFilename))
	if os.IsNotExist(err) {
		return nil, "", 0, nil
	}
	if err != nil {
		return nil, "", 0, fmt.Errorf("read meta: %w", err)
	}
	var m metaFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", 0, fmt.Errorf("decode meta: %w", err)
	}
	if m.PasswordHash != "" {
		passwordHash, err = base64.StdEncoding.DecodeString(m.PasswordHash)
		if err != nil {
			return nil, "", 0, fmt.Errorf("decode password hash: %w", err)
		}
	}
	return passwordHash, m.Title, m.CreatedMs, nil
}

func writeMetaAtomic(dir string, passwordHash []byte, title string, createdMs int64) error {
	m := metaFile{Title: title, CreatedMs: createdMs}
	if len(passwordHash) > 0 {
		m.PasswordHash = base64.StdEncoding.EncodeToString(passwordHash)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	tmp, err := os.CreateTemp(dir, metaFilename+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp meta: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp meta: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp meta: %w", err)
	}
	return os.Rename(tmpName, filepath.Join(dir, metaFilename))
}
