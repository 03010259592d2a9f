package seam

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"
)

// ErrPinMismatch is returned by a pinning verifier when a peer presents a
// leaf certificate that does not match its stored pin.
var ErrPinMismatch = errors.New("peer certificate does not match stored pin")

// pinRecord is the stored form of a pin, CBOR-encoded into a single blob
// column so the schema never changes when fields are added.
type pinRecord struct {
	PeerName    string    `cbor:"1,keyasint"`
	Fingerprint []byte    `cbor:"2,keyasint"`
	FirstSeen   time.Time `cbor:"3,keyasint"`
}

// PinStore persists first-seen certificate pins, keyed by peer name.
type PinStore struct {
	db *sql.DB
}

// OpenPinStore opens or creates the pin database at path.  Use ":memory:"
// for an ephemeral store.
func OpenPinStore(path string) (*PinStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	sqlStmt := `
	create table if not exists pins (peer string not null primary key,
		record blob not null,
		created datetime);
	`
	if _, err := db.Exec(sqlStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing pin schema: %w", err)
	}
	return &PinStore{db: db}, nil
}

func (ps *PinStore) Close() error {
	return ps.db.Close()
}

// StorePin records the pin for peerName, replacing any existing record.
func (ps *PinStore) StorePin(peerName string, fingerprint []byte) error {
	rec := pinRecord{
		PeerName:    peerName,
		Fingerprint: fingerprint,
		FirstSeen:   time.Now(),
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}

	stmt, err := ps.db.Prepare("insert or replace into pins values (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	_, err = stmt.Exec(peerName, blob, rec.FirstSeen)
	return err
}

// LookupPin returns the stored fingerprint for peerName, or found=false.
func (ps *PinStore) LookupPin(peerName string) (fingerprint []byte, found bool, err error) {
	stmt, err := ps.db.Prepare("select record from pins where peer = ?")
	if err != nil {
		return nil, false, err
	}
	defer stmt.Close()

	var blob []byte
	switch err := stmt.QueryRow(peerName).Scan(&blob); {
	case err == sql.ErrNoRows:
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}

	var rec pinRecord
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return nil, false, fmt.Errorf("decoding pin record for %q: %w", peerName, err)
	}
	return rec.Fingerprint, true, nil
}

func (ps *PinStore) DeletePin(peerName string) error {
	_, err := ps.db.Exec("delete from pins where peer = ?", peerName)
	return err
}

func leafFingerprint(cert *x509.Certificate) []byte {
	sum := sha256.Sum256(cert.Raw)
	return sum[:]
}

// PinningVerifier builds a peer-verification callback enforcing first-seen
// pinning: an unknown peer is pinned on first contact, a known peer must
// present the pinned leaf.
func PinningVerifier(store *PinStore, peerName string) func(rawCerts [][]byte, chain []*x509.Certificate) error {
	return func(rawCerts [][]byte, chain []*x509.Certificate) error {
		if len(chain) == 0 {
			return errors.New("empty certificate chain")
		}
		fp := leafFingerprint(chain[0])

		pinned, found, err := store.LookupPin(peerName)
		if err != nil {
			return err
		}
		if !found {
			logf(logTypePinning, "pinning %q on first contact", peerName)
			return store.StorePin(peerName, fp)
		}
		if !bytes.Equal(pinned, fp) {
			logf(logTypePinning, "pin mismatch for %q", peerName)
			return ErrPinMismatch
		}
		return nil
	}
}
