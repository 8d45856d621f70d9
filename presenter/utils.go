package presenter

import (
	"fmt"

	"github.com/omni/cctp-relayer/config"
	"github.com/omni/cctp-relayer/entity"
)

func txLink(chain *config.ChainConfig, txHash string) string {
	if txHash == "" || chain == nil || chain.ExplorerTxURL == "" {
		return ""
	}
	return fmt.Sprintf(chain.ExplorerTxURL, txHash)
}

func (p *Presenter) newStatusResponse(t *entity.Transfer, fromDatabase bool) *StatusResponse {
	completionTx := t.CompletionTxHash
	if completionTx == "" {
		completionTx = t.SubmittedTxHash
	}
	return &StatusResponse{
		Transfer:         t,
		FromDatabase:     fromDatabase,
		SourceTxLink:     txLink(p.chains[t.SourceChain], t.SourceTxHash),
		CompletionTxLink: txLink(p.chains[t.DestinationChain], completionTx),
	}
}
