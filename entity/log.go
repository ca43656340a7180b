package entity

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Log is a chain event log observed by the block watcher. Logs are decoded
// into bridge transactions on the fly and are not persisted themselves.
type Log struct {
	ChainID         string
	Address         common.Address
	Topic0          *common.Hash
	Topic1          *common.Hash
	Topic2          *common.Hash
	Topic3          *common.Hash
	Data            []byte
	BlockNumber     uint
	LogIndex        uint
	TransactionHash common.Hash
}

func NewLog(chainID string, log types.Log) *Log {
	res := &Log{
		ChainID:         chainID,
		Address:         log.Address,
		Data:            log.Data,
		BlockNumber:     uint(log.BlockNumber),
		LogIndex:        uint(log.Index),
		TransactionHash: log.TxHash,
	}
	for i := range log.Topics {
		topic := log.Topics[i]
		switch i {
		case 0:
			res.Topic0 = &topic
		case 1:
			res.Topic1 = &topic
		case 2:
			res.Topic2 = &topic
		case 3:
			res.Topic3 = &topic
		}
	}
	return res
}

func (log *Log) Topics() []common.Hash {
	topics := make([]common.Hash, 0, 4)
	for _, topic := range []*common.Hash{log.Topic0, log.Topic1, log.Topic2, log.Topic3} {
		if topic == nil {
			break
		}
		topics = append(topics, *topic)
	}
	return topics
}
