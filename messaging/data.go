package messaging

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-omemo/internal/db"
	"github.com/meow-io/go-omemo/migration"
	"github.com/status-im/doubleratchet"
)

// session ties a device to the ratchet state currently used with it.
type session struct {
	Name           string `db:"name"`
	DeviceID       uint32 `db:"device_id"`
	SessionID      []byte `db:"session_id"`
	IdentityKey    []byte `db:"identity_key"`
	AssociatedData []byte `db:"associated_data"`
	BaseKey        []byte `db:"base_key"`
	Preamble       []byte `db:"preamble"`
	CtimeMs        uint64 `db:"ctime_ms"`
	MtimeMs        uint64 `db:"mtime_ms"`
}

type doubleratchetKey struct {
	PubKey         []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNum     uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type doubleratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_messaging", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _sessions (
						name STRING NOT NULL,
						device_id INTEGER NOT NULL,
						session_id BLOB NOT NULL UNIQUE,
						identity_key BLOB NOT NULL,
						associated_data BLOB NOT NULL,
						base_key BLOB NOT NULL,
						preamble BLOB,
						ctime_ms INTEGER NOT NULL,
						mtime_ms INTEGER NOT NULL,
						PRIMARY KEY (name, device_id)
					);

					CREATE TABLE _doubleratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX doubleratchet_keys_pubkey_msg_num on _doubleratchet_keys (session_id, pub_key, msg_num);
					CREATE UNIQUE INDEX doubleratchet_keys_session_id_seq_num on _doubleratchet_keys (session_id, seq_num);

					CREATE TABLE _doubleratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB,
						send_ch_count INTEGER NOT NULL,
						recv_ch_key BLOB,
						recv_ch_count INTEGER NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func (db *database) session(name string, deviceID uint32) (*session, bool, error) {
	s := &session{}
	if err := db.Tx.Get(s, "SELECT * FROM _sessions WHERE name = $1 AND device_id = $2", name, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("messaging: error getting session: %w", err)
	}
	return s, true, nil
}

func (db *database) insertSession(s *session) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _sessions (name, device_id, session_id, identity_key, associated_data, base_key, preamble, ctime_ms, mtime_ms) VALUES (:name, :device_id, :session_id, :identity_key, :associated_data, :base_key, :preamble, :ctime_ms, :mtime_ms)", s); err != nil {
		return fmt.Errorf("messaging: error inserting session: %w", err)
	}
	return nil
}

func (db *database) updateSession(s *session) error {
	if _, err := db.Tx.NamedExec("UPDATE _sessions SET preamble = :preamble, mtime_ms = :mtime_ms WHERE session_id = :session_id", s); err != nil {
		return fmt.Errorf("messaging: error updating session: %w", err)
	}
	return nil
}

// deleteSession removes the session of a device along with all of its ratchet state.
func (db *database) deleteSession(name string, deviceID uint32) (bool, error) {
	s, ok, err := db.session(name, deviceID)
	if err != nil || !ok {
		return false, err
	}
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = $1", s.SessionID); err != nil {
		return false, fmt.Errorf("messaging: error deleting doubleratchet keys: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_states WHERE id = $1", s.SessionID); err != nil {
		return false, fmt.Errorf("messaging: error deleting doubleratchet state: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _sessions WHERE session_id = $1", s.SessionID); err != nil {
		return false, fmt.Errorf("messaging: error deleting session: %w", err)
	}
	return true, nil
}

func (db *database) doubleratchetState(id []byte) (*doubleratchetState, error) {
	s := &doubleratchetState{}
	if err := db.Tx.Get(s, "select * from _doubleratchet_states where id = $1", id); err != nil {
		return nil, fmt.Errorf("messaging: error getting doubleratchet_state: %w", err)
	}
	return s, nil
}

func (db *database) upsertDoubleratchetState(s *doubleratchetState) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _doubleratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) on CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", s); err != nil {
		return fmt.Errorf("messaging: error upserting doubleratchet_state: %w", err)
	}
	return nil
}

func (db *database) doubleratchetSessionStorage() doubleratchet.SessionStorage {
	return &stateStore{db: db}
}

func (db *database) doubleratchetCrypto() doubleratchet.Crypto {
	return ratchetCrypto{}
}

func (db *database) doubleratchetKeysStorage(sessionID []byte) doubleratchet.KeysStorage {
	return &skippedKeys{sessionID: sessionID, db: db}
}

func (db *database) keyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) (*doubleratchetKey, bool, error) {
	kr := &doubleratchetKey{}
	err := db.Tx.Get(kr, "SELECT * FROM _doubleratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return kr, true, nil
}

func (db *database) upsertKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	_, err := db.Tx.Exec("INSERT INTO _doubleratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES (?, ?, ?, ?, ?)", k, mk, msgNum, sessionID, keySeqNum)
	if err != nil {
		return fmt.Errorf("messaging: error upserting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	_, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID)
	if err != nil {
		return fmt.Errorf("messaging: error deleting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	_, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ? and seq_num < ?", sessionID, deleteUntilSeqKey)
	if err != nil {
		return fmt.Errorf("messaging: error deleting old keys: %w", err)
	}
	return nil
}

func (db *database) truncateMks(sessionID []byte, maxKeys int) error {
	_, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys where session_id = ? and seq_num not in (select seq_num from _doubleratchet_keys where session_id = ? ORDER BY seq_num DESC LIMIT ?)", sessionID, sessionID, maxKeys)
	if err != nil {
		return fmt.Errorf("messaging: error truncating keys: %w", err)
	}
	return nil
}

func (db *database) countKeys(sessionID []byte, k doubleratchet.Key) (uint, error) {
	var count uint
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _doubleratchet_keys WHERE session_id = ? AND pub_key = ?", sessionID, k); err != nil {
		return 0, fmt.Errorf("messaging: error counting keys: %w", err)
	}
	return count, nil
}

func (db *database) allKeys(sessionID []byte) (map[string]map[uint]doubleratchet.Key, error) {
	var keys []*doubleratchetKey
	if err := db.Tx.Select(&keys, "SELECT * FROM _doubleratchet_keys WHERE session_id = ?", sessionID); err != nil {
		return nil, fmt.Errorf("messaging: error getting keys: %w", err)
	}
	out := make(map[string]map[uint]doubleratchet.Key)
	for _, k := range keys {
		pub := fmt.Sprintf("%x", k.PubKey)
		if _, ok := out[pub]; !ok {
			out[pub] = make(map[uint]doubleratchet.Key)
		}
		out[pub][k.MessageNum] = k.MessageKey
	}
	return out, nil
}
