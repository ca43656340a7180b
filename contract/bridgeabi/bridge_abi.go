package bridgeabi

//nolint:golint
import (
	_ "embed"

	"github.com/omni/tokenbridge-relayer/contract/abi"
)

//go:embed bridge.json
var bridgeJSONABI string

const (
	DepositInitiated    = "event DepositInitiated(address indexed sender, address indexed token, uint256 amount, bytes32 recipient, uint16 recipientChain, uint64 indexed sequence)"
	WithdrawalInitiated = "event WithdrawalInitiated(address indexed sender, address indexed token, uint256 amount, bytes32 recipient, uint16 recipientChain, uint64 indexed sequence)"
)

var (
	BridgeABI = abi.MustReadABI(bridgeJSONABI)

	DepositInitiatedEventSignature    = BridgeABI.Events["DepositInitiated"].ID
	WithdrawalInitiatedEventSignature = BridgeABI.Events["WithdrawalInitiated"].ID
)
