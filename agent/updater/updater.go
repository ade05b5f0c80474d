// Package updater performs the in-place agent self-update: download, MD5
// verification, atomic binary replacement and re-exec.
package updater

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

var httpClient = &http.Client{Timeout: 120 * time.Second}

// Apply downloads the new binary, verifies its MD5 and swaps it into place.
// An MD5 mismatch is fatal for the update but leaves the current binary
// untouched. On success the caller must re-exec.
func Apply(downloadURL, wantMD5 string) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate current binary: %w", err)
	}
	exePath, err = filepath.EvalSymlinks(exePath)
	if err != nil {
		return fmt.Errorf("resolve current binary: %w", err)
	}

	tmpPath := exePath + ".new"
	if err := download(downloadURL, tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	sum, err := fileMD5(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checksum new binary: %w", err)
	}
	if sum != wantMD5 {
		os.Remove(tmpPath)
		return fmt.Errorf("MD5校验失败: got %s, want %s", sum, wantMD5)
	}

	if err := os.Chmod(tmpPath, 0o755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod new binary: %w", err)
	}

	// Rename current binary to .old (for rollback)
	oldPath := exePath + ".old"
	if err := os.Rename(exePath, oldPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("backup current binary: %w", err)
	}
	if err := os.Rename(tmpPath, exePath); err != nil {
		if rbErr := os.Rename(oldPath, exePath); rbErr != nil {
			log.Printf("[Updater] Rollback failed: %v", rbErr)
		}
		return fmt.Errorf("place new binary: %w", err)
	}

	os.Remove(oldPath)
	return nil
}

func download(url, dest string) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("下载更新失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("下载更新失败: HTTP %d", resp.StatusCode)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp binary: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write temp binary: %w", err)
	}
	return nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
