package grant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attestor obtains the transaction id and proof-of-delivery string for a
// blockchain grant. The actual chain interaction lives behind this interface;
// the engine only records what it returns.
type Attestor interface {
	Attest(ctx context.Context, orderRef string, hashes []string) (txID, proof string, err error)
}

// SyntheticAttestor derives a deterministic proof from the document hashes
// and a random transaction id. Stands in where no chain integration is
// configured.
type SyntheticAttestor struct {
	now func() time.Time
}

func NewSyntheticAttestor() *SyntheticAttestor {
	return &SyntheticAttestor{now: func() time.Time { return time.Now().UTC() }}
}

func (a *SyntheticAttestor) Attest(ctx context.Context, orderRef string, hashes []string) (string, string, error) {
	txID := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
	sum := sha256.Sum256([]byte(orderRef + "\n" + strings.Join(hashes, "\n")))
	proof := fmt.Sprintf("delivery:%s:%d", hex.EncodeToString(sum[:16]), a.now().Unix())
	return txID, proof, nil
}

// DocumentHash is the content-addressed hash recorded per document in a
// blockchain grant: stable for the same source id, name, and path.
func DocumentHash(d Document) string {
	sum := sha256.Sum256([]byte(d.SourceID + "\x00" + d.Name + "\x00" + d.Path))
	return hex.EncodeToString(sum[:])
}
