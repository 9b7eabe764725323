package aa

// Minimal ABI fragments of the v0.6 contracts this module calls.

const entryPointABIJSON = `[
  {"inputs":[{"internalType":"address","name":"sender","type":"address"},{"internalType":"uint192","name":"key","type":"uint192"}],
   "name":"getNonce","outputs":[{"internalType":"uint256","name":"nonce","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"components":[
      {"internalType":"address","name":"sender","type":"address"},
      {"internalType":"uint256","name":"nonce","type":"uint256"},
      {"internalType":"bytes","name":"initCode","type":"bytes"},
      {"internalType":"bytes","name":"callData","type":"bytes"},
      {"internalType":"uint256","name":"callGasLimit","type":"uint256"},
      {"internalType":"uint256","name":"verificationGasLimit","type":"uint256"},
      {"internalType":"uint256","name":"preVerificationGas","type":"uint256"},
      {"internalType":"uint256","name":"maxFeePerGas","type":"uint256"},
      {"internalType":"uint256","name":"maxPriorityFeePerGas","type":"uint256"},
      {"internalType":"bytes","name":"paymasterAndData","type":"bytes"},
      {"internalType":"bytes","name":"signature","type":"bytes"}],
    "internalType":"struct UserOperation","name":"userOp","type":"tuple"}],
   "name":"getUserOpHash","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
  {"anonymous":false,"inputs":[
      {"indexed":true,"internalType":"bytes32","name":"userOpHash","type":"bytes32"},
      {"indexed":true,"internalType":"address","name":"sender","type":"address"},
      {"indexed":true,"internalType":"address","name":"paymaster","type":"address"},
      {"indexed":false,"internalType":"uint256","name":"nonce","type":"uint256"},
      {"indexed":false,"internalType":"bool","name":"success","type":"bool"},
      {"indexed":false,"internalType":"uint256","name":"actualGasCost","type":"uint256"},
      {"indexed":false,"internalType":"uint256","name":"actualGasUsed","type":"uint256"}],
   "name":"UserOperationEvent","type":"event"},
  {"anonymous":false,"inputs":[
      {"indexed":true,"internalType":"bytes32","name":"userOpHash","type":"bytes32"},
      {"indexed":true,"internalType":"address","name":"sender","type":"address"},
      {"indexed":false,"internalType":"uint256","name":"nonce","type":"uint256"},
      {"indexed":false,"internalType":"bytes","name":"revertReason","type":"bytes"}],
   "name":"UserOperationRevertReason","type":"event"}
]`

const factoryABIJSON = `[
  {"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"uint256","name":"salt","type":"uint256"}],
   "name":"createAccount","outputs":[{"internalType":"contract SimpleAccount","name":"ret","type":"address"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"uint256","name":"salt","type":"uint256"}],
   "name":"getAddress","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const accountABIJSON = `[
  {"inputs":[{"internalType":"address","name":"dest","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"},{"internalType":"bytes","name":"func","type":"bytes"}],
   "name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"address[]","name":"dest","type":"address[]"},{"internalType":"uint256[]","name":"value","type":"uint256[]"},{"internalType":"bytes[]","name":"func","type":"bytes[]"}],
   "name":"executeBatch","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[],"name":"owner","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`
