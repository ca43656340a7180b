package presenter

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/entity"
)

var explorerFormats = map[string]string{
	"1":   "https://etherscan.io/tx/%s",
	"56":  "https://bscscan.com/tx/%s",
	"100": "https://gnosisscan.io/tx/%s",
	"137": "https://polygonscan.com/tx/%s",
}

func txLink(chainID string, txHash common.Hash) string {
	if format, ok := explorerFormats[chainID]; ok {
		return fmt.Sprintf(format, txHash)
	}
	return txHash.String()
}

func transactionToInfo(tx *entity.BridgeTransaction) *TransactionInfo {
	info := &TransactionInfo{
		ID:            tx.ID,
		TransferType:  tx.TransferType,
		Status:        tx.Status,
		SourceChainID: tx.SourceChainID,
		TargetChainID: tx.TargetChainID,
		SourceToken:   tx.SourceToken,
		TargetToken:   tx.TargetToken,
		Amount:        tx.Amount,
		Sender:        tx.Sender,
		Recipient:     tx.Recipient,
		Sequence:      tx.Sequence,
		SourceTx: &TxInfo{
			Hash: tx.SourceTxHash,
			Link: txLink(tx.SourceChainID, tx.SourceTxHash),
		},
		RetryCount:  tx.RetryCount,
		Error:       tx.ErrorMsg,
		CreatedAt:   tx.CreatedAt,
		UpdatedAt:   tx.UpdatedAt,
		CompletedAt: tx.CompletedAt,
	}
	if tx.TargetTxHash != nil {
		info.TargetTx = &TxInfo{
			Hash: *tx.TargetTxHash,
			Link: txLink(tx.TargetChainID, *tx.TargetTxHash),
		}
	}
	return info
}

func transactionsToInfo(txs []*entity.BridgeTransaction) []*TransactionInfo {
	infos := make([]*TransactionInfo, 0, len(txs))
	for _, tx := range txs {
		infos = append(infos, transactionToInfo(tx))
	}
	return infos
}
