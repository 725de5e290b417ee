// Package signer turns a WIF private key and a ledger-composed unsigned raw
// transaction into a broadcastable signed transaction, the way
// client/asset/btc.ExchangeWallet signs its swap and redemption
// transactions with txscript — except every input here is the agent's own
// single address rather than a contract, and every input's sequence is
// forced to the BIP-125 Replace-By-Fee signal (spec §4, "Signer").
package signer

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/xcpfolio/fulfillment-agent/dex"
)

// rbfSequence is the sequence number that opts every input into Replace-By-Fee
// per BIP-125: a value strictly below wire.MaxTxInSequenceNum-1 signals RBF
// to the network, and the ledger's own compose endpoints already use this
// exact value.
const rbfSequence = 0xfffffffd

// Signed is the result of signing an unsigned raw transaction.
type Signed struct {
	Hex         string
	TxID        string
	VSize       int64
	AbsoluteFee int64
}

// Signer holds the decoded WIF key and derived P2WPKH/P2PKH script used to
// sign every input. The agent operates a single funding address, so the
// previous-output script for every input is simply this address's own
// scriptPubKey.
type Signer struct {
	privKey    *btcec.PrivateKey
	pubKey     *btcec.PublicKey
	compressed bool
	pkScript   []byte
	isWitness  bool
	addr       btcutil.Address
	net        *chaincfg.Params
}

// New decodes wif and derives the single-address scriptPubKey used to sign
// every input of every transaction this agent composes.
func New(wif string, net *chaincfg.Params) (*Signer, error) {
	key, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, dex.NewError(dex.ErrValidation, fmt.Sprintf("invalid private key: %v", err))
	}
	if !key.IsForNet(net) {
		return nil, dex.NewError(dex.ErrValidation, "private key is for the wrong network")
	}
	pub := key.PrivKey.PubKey()

	var addr btcutil.Address
	if key.CompressPubKey {
		addr, err = btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), net)
	} else {
		addr, err = btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeUncompressed()), net)
	}
	if err != nil {
		return nil, fmt.Errorf("error deriving address from key: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("error building script for address: %w", err)
	}
	_, isWitness := addr.(*btcutil.AddressWitnessPubKeyHash)
	return &Signer{
		privKey:    key.PrivKey,
		pubKey:     pub,
		compressed: key.CompressPubKey,
		pkScript:   pkScript,
		isWitness:  isWitness,
		addr:       addr,
		net:        net,
	}, nil
}

// Address returns the funding address this Signer signs for.
func (s *Signer) Address() btcutil.Address {
	return s.addr
}

// Sign decodes rawTxHex, sets the RBF sequence on every input, signs every
// input against this Signer's own scriptPubKey (every UTXO consumed belongs
// to the same single address the agent funds from), and returns the signed
// hex, txid, virtual size, and actual absolute fee. inputValues must align
// positionally with the decoded transaction's inputs (the caller resolves
// each input's outpoint against its own UTXO view, since the ledger's
// compose response carries no input amounts) and is required for correct
// BIP-143 witness signatures, not just fee accounting.
func (s *Signer) Sign(rawTxHex string, inputValues []int64) (*Signed, error) {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return nil, dex.NewError(dex.ErrValidation, fmt.Sprintf("invalid raw transaction hex: %v", err))
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, dex.NewError(dex.ErrValidation, fmt.Sprintf("error decoding raw transaction: %v", err))
	}
	if len(inputValues) != len(tx.TxIn) {
		return nil, fmt.Errorf("signer: have %d input values for %d inputs", len(inputValues), len(tx.TxIn))
	}

	for _, txIn := range tx.TxIn {
		txIn.Sequence = rbfSequence
	}

	prevOutFetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range tx.TxIn {
		prevOutFetcher.AddPrevOut(txIn.PreviousOutPoint, wire.NewTxOut(inputValues[i], s.pkScript))
	}
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	for i, txIn := range tx.TxIn {
		if s.isWitness {
			sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, i, inputValues[i], s.pkScript, txscript.SigHashAll, s.privKey)
			if err != nil {
				return nil, fmt.Errorf("error signing input %d: %w", i, err)
			}
			txIn.Witness = wire.TxWitness{sig, s.serializedPubKey()}
			continue
		}
		sigScript, err := s.signatureScript(tx, i)
		if err != nil {
			return nil, fmt.Errorf("error signing input %d: %w", i, err)
		}
		txIn.SignatureScript = sigScript
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("error serializing signed transaction: %w", err)
	}

	var totalIn, totalOut int64
	for _, v := range inputValues {
		totalIn += v
	}
	for _, out := range tx.TxOut {
		totalOut += out.Value
	}

	return &Signed{
		Hex:         hex.EncodeToString(buf.Bytes()),
		TxID:        tx.TxHash().String(),
		VSize:       vsize(tx),
		AbsoluteFee: totalIn - totalOut,
	}, nil
}

func (s *Signer) serializedPubKey() []byte {
	if s.compressed {
		return s.pubKey.SerializeCompressed()
	}
	return s.pubKey.SerializeUncompressed()
}

func (s *Signer) signatureScript(tx *wire.MsgTx, idx int) ([]byte, error) {
	sig, err := txscript.RawTxInSignature(tx, idx, s.pkScript, txscript.SigHashAll, s.privKey)
	if err != nil {
		return nil, err
	}
	return txscript.NewScriptBuilder().AddData(sig).AddData(s.serializedPubKey()).Script()
}

// vsize computes a transaction's virtual size per BIP-141: ceil(weight/4),
// weight = 3*strippedSize + totalSize.
func vsize(tx *wire.MsgTx) int64 {
	stripped := tx.SerializeSizeStripped()
	total := tx.SerializeSize()
	weight := stripped*3 + total
	return int64((weight + 3) / 4)
}
