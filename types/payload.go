package types

import (
	"errors"
	"fmt"
)

// PayloadData is the body of a block without execution results.
type PayloadData struct {
	Transactions Txs         `json:"transactions"`
	MinerData    []byte      `json:"minerData"`
	PayloadHash  PayloadHash `json:"payloadHash"`
}

// TxOutput is the result of executing one transaction.
type TxOutput struct {
	TxHash    TxHash `json:"txHash"`
	GasUsed   uint64 `json:"gasUsed"`
	StateHash Hash   `json:"stateHash"`
	Result    string `json:"result"`
}

// TxWithOutput pairs a transaction with its execution result.
type TxWithOutput struct {
	Tx     Tx       `json:"tx"`
	Output TxOutput `json:"output"`
}

// PayloadWithOutputs is the body of a block together with its execution
// results. Its payload hash is that of its PayloadData view; outputs are not
// part of the content address.
type PayloadWithOutputs struct {
	Transactions []TxWithOutput `json:"transactions"`
	MinerData    []byte         `json:"minerData"`
	Coinbase     TxOutput       `json:"coinbase"`
	PayloadHash  PayloadHash    `json:"payloadHash"`
}

var ErrOutputCountMismatch = errors.New("number of outputs does not match number of transactions")

// ComputePayloadHash returns the content address of a block body.
func ComputePayloadHash(txs Txs, minerData []byte) PayloadHash {
	parts := make([][]byte, 0, len(txs)+1)
	for _, tx := range txs {
		h := tx.Hash
		parts = append(parts, h[:])
	}
	parts = append(parts, minerData)
	return SumHash(parts...)
}

// NewPayloadData builds a block body and computes its payload hash.
func NewPayloadData(txs Txs, minerData []byte) *PayloadData {
	if txs == nil {
		txs = Txs{}
	}
	return &PayloadData{
		Transactions: txs,
		MinerData:    minerData,
		PayloadHash:  ComputePayloadHash(txs, minerData),
	}
}

// ValidateBasic checks the stored payload hash against the contents.
func (pd *PayloadData) ValidateBasic() error {
	if got := ComputePayloadHash(pd.Transactions, pd.MinerData); got != pd.PayloadHash {
		return fmt.Errorf("payload hash mismatch: stored %s, computed %s", pd.PayloadHash, got)
	}
	return nil
}

// NewPayloadWithOutputs attaches execution results to a block body.
func NewPayloadWithOutputs(data *PayloadData, outputs []TxOutput, coinbase TxOutput) (*PayloadWithOutputs, error) {
	if len(outputs) != len(data.Transactions) {
		return nil, fmt.Errorf("%w: %d txs, %d outputs",
			ErrOutputCountMismatch, len(data.Transactions), len(outputs))
	}
	txs := make([]TxWithOutput, len(outputs))
	for i, out := range outputs {
		txs[i] = TxWithOutput{Tx: data.Transactions[i], Output: out}
	}
	return &PayloadWithOutputs{
		Transactions: txs,
		MinerData:    data.MinerData,
		Coinbase:     coinbase,
		PayloadHash:  data.PayloadHash,
	}, nil
}

// PayloadData drops the outputs, returning the block body replay feeds to the
// execution service.
func (p *PayloadWithOutputs) PayloadData() *PayloadData {
	txs := make(Txs, len(p.Transactions))
	for i, t := range p.Transactions {
		txs[i] = t.Tx
	}
	return &PayloadData{
		Transactions: txs,
		MinerData:    p.MinerData,
		PayloadHash:  p.PayloadHash,
	}
}
