package issuer

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const crlValidity = 7 * 24 * time.Hour

// revocationList is the last CRL read from or written to the configured file.
type revocationList struct {
	number  *big.Int
	entries map[string]time.Time // certificate ID -> revocation time
}

// CRL returns the current revocation list as a PEM encoded CRL signed by the
// CA key. With a revocation file configured it also picks up revocations
// recorded by other processes sharing the file.
func (i *LocalIssuer) CRL() ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.mergeRevocationFileLocked(); err != nil {
		return nil, err
	}
	return i.signCRLLocked(new(big.Int).Add(i.crlNumber, big.NewInt(1)))
}

// lockRevocationFile takes an exclusive advisory lock next to the CRL file.
func lockRevocationFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating CRL directory: %w", err)
	}
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening CRL lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking CRL: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// persistRevocationLocked records certificateID in the shared CRL file. The
// file is re-read under the lock so entries written by other processes are
// kept. Callers hold i.mu.
func (i *LocalIssuer) persistRevocationLocked(certificateID string, at time.Time) error {
	unlock, err := lockRevocationFile(i.cfg.RevocationFile)
	if err != nil {
		return err
	}
	defer unlock()

	if err := i.mergeRevocationFileLocked(); err != nil {
		return err
	}
	if _, ok := i.revoked[certificateID]; ok {
		return nil
	}

	i.revoked[certificateID] = at
	number := new(big.Int).Add(i.crlNumber, big.NewInt(1))
	crlPEM, err := i.signCRLLocked(number)
	if err != nil {
		delete(i.revoked, certificateID)
		return err
	}
	if err := writeFileAtomic(i.cfg.RevocationFile, crlPEM); err != nil {
		delete(i.revoked, certificateID)
		return fmt.Errorf("writing CRL: %w", err)
	}
	i.crlNumber = number
	return nil
}

// mergeRevocationFileLocked folds the entries of the CRL file into memory.
// A missing file is an empty list. Callers hold i.mu.
func (i *LocalIssuer) mergeRevocationFileLocked() error {
	if i.cfg.RevocationFile == "" {
		return nil
	}
	list, err := i.readRevocationFile(i.cfg.RevocationFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for id, at := range list.entries {
		if _, ok := i.revoked[id]; !ok {
			i.revoked[id] = at
		}
	}
	if list.number.Cmp(i.crlNumber) > 0 {
		i.crlNumber = list.number
	}
	return nil
}

func (i *LocalIssuer) readRevocationFile(path string) (*revocationList, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CRL %s: %w", path, err)
	}

	_, caPEM, err := i.ca()
	if err != nil {
		return nil, err
	}
	caCert, err := caPEM.GetX509Cert()
	if err != nil {
		return nil, err
	}
	if err := crl.CheckSignatureFrom(caCert); err != nil {
		return nil, fmt.Errorf("CRL %s is not signed by this CA: %w", path, err)
	}

	list := &revocationList{number: big.NewInt(0), entries: make(map[string]time.Time, len(crl.RevokedCertificateEntries))}
	if crl.Number != nil {
		list.number = crl.Number
	}
	for _, entry := range crl.RevokedCertificateEntries {
		list.entries[serialID(entry.SerialNumber)] = entry.RevocationTime
	}
	return list, nil
}

func (i *LocalIssuer) signCRLLocked(number *big.Int) ([]byte, error) {
	caKey, caPEM, err := i.ca()
	if err != nil {
		return nil, fmt.Errorf("failed to derive CA: %w", err)
	}
	caCert, err := caPEM.GetX509Cert()
	if err != nil {
		return nil, err
	}

	entries := make([]x509.RevocationListEntry, 0, len(i.revoked))
	for id, at := range i.revoked {
		serial, ok := new(big.Int).SetString(id, 16)
		if !ok {
			continue
		}
		entries = append(entries, x509.RevocationListEntry{SerialNumber: serial, RevocationTime: at})
	}

	now := time.Now()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.Add(crlValidity),
		RevokedCertificateEntries: entries,
	}, caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("signing CRL: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
