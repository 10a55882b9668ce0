package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"coralnode/internal/proto"
)

var (
	prefixBlock = []byte("b")
	prefixCoin  = []byte("c")
	keyTip      = []byte("tip")
)

// LevelStore is a LevelDB-backed chain index fed by the full node: block
// headers by height and the set of unspent outputs that may back service
// nodes.
type LevelStore struct {
	db *leveldb.DB
}

// OpenLevelStore opens or creates the index at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open chain index: %w", err)
	}
	return &LevelStore{db: db}, nil
}

// OpenMemLevelStore is an in-memory LevelStore.
func OpenMemLevelStore() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func blockKey(height int) []byte {
	k := make([]byte, len(prefixBlock)+8)
	copy(k, prefixBlock)
	binary.BigEndian.PutUint64(k[len(prefixBlock):], uint64(height))
	return k
}

func coinKey(op proto.Outpoint) []byte {
	k := make([]byte, 0, len(prefixCoin)+36)
	k = append(k, prefixCoin...)
	k = append(k, op.Hash[:]...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], op.Index)
	return append(k, idx[:]...)
}

// PutBlock connects b as the new tip. Any stored blocks above b.Height are
// disconnected.
func (s *LevelStore) PutBlock(b Block) error {
	if b.Height < 0 {
		return fmt.Errorf("bad height: %d", b.Height)
	}
	if tip, ok := s.Tip(); ok && b.Height > tip.Height+1 {
		return fmt.Errorf("block %d does not connect to tip %d", b.Height, tip.Height)
	}
	batch := new(leveldb.Batch)
	if tip, ok := s.Tip(); ok {
		for h := tip.Height; h > b.Height; h-- {
			batch.Delete(blockKey(h))
		}
	}
	val := make([]byte, 40)
	copy(val, b.Hash[:])
	binary.BigEndian.PutUint64(val[32:], uint64(b.Time))
	batch.Put(blockKey(b.Height), val)
	var tipVal [8]byte
	binary.BigEndian.PutUint64(tipVal[:], uint64(b.Height))
	batch.Put(keyTip, tipVal[:])
	return s.db.Write(batch, nil)
}

func (s *LevelStore) PutCoin(c Coin) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Put(coinKey(c.Outpoint), raw, nil)
}

// SpendCoin removes op from the unspent set.
func (s *LevelStore) SpendCoin(op proto.Outpoint) error {
	return s.db.Delete(coinKey(op), nil)
}

func (s *LevelStore) Tip() (Block, bool) {
	raw, err := s.db.Get(keyTip, nil)
	if err != nil || len(raw) != 8 {
		return Block{}, false
	}
	return s.BlockAt(int(binary.BigEndian.Uint64(raw)))
}

func (s *LevelStore) BlockAt(height int) (Block, bool) {
	if height < 0 {
		return Block{}, false
	}
	raw, err := s.db.Get(blockKey(height), nil)
	if err != nil || len(raw) != 40 {
		return Block{}, false
	}
	b := Block{Height: height, Time: int64(binary.BigEndian.Uint64(raw[32:]))}
	copy(b.Hash[:], raw[:32])
	return b, true
}

func (s *LevelStore) Coin(op proto.Outpoint) (Coin, bool) {
	raw, err := s.db.Get(coinKey(op), nil)
	if err != nil {
		return Coin{}, false
	}
	var c Coin
	if err := json.Unmarshal(raw, &c); err != nil {
		return Coin{}, false
	}
	return c, true
}

func (s *LevelStore) ProbeCollateral(op proto.Outpoint) error {
	ok, err := s.db.Has(coinKey(op), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrClosed) {
			return err
		}
		return fmt.Errorf("probe collateral: %w", err)
	}
	if !ok {
		return ErrCoinSpent
	}
	return nil
}

func (s *LevelStore) CoinsFor(script proto.Script) []Coin {
	iter := s.db.NewIterator(util.BytesPrefix(prefixCoin), nil)
	defer iter.Release()
	var out []Coin
	for iter.Next() {
		var c Coin
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			continue
		}
		if c.Out.Script.Equal(script) {
			out = append(out, c)
		}
	}
	return out
}
