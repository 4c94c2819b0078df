package chain

// escrowABI is the subset of the settlement contract the gateway and agents
// call. State enum: 0 Created, 1 Delivered, 2 Completed, 3 Disputed,
// 4 Refunded, 5 Claimed. getEscrow returns a zero agent for unknown ids.
const escrowABI = `[
	{"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[{"name":"provider","type":"address"},{"name":"endpoint","type":"string"},{"name":"timeout","type":"uint64"}],"outputs":[{"name":"id","type":"uint256"}]},
	{"type":"function","name":"createEscrowToken","stateMutability":"nonpayable","inputs":[{"name":"provider","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"endpoint","type":"string"},{"name":"timeout","type":"uint64"}],"outputs":[{"name":"id","type":"uint256"}]},
	{"type":"function","name":"confirmDelivery","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"},{"name":"deliveryHash","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"confirmReceived","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"},{"name":"receiptHash","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"claimTimeout","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[
		{"name":"agent","type":"address"},
		{"name":"provider","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"token","type":"address"},
		{"name":"endpoint","type":"string"},
		{"name":"deliveryHash","type":"bytes32"},
		{"name":"receiptHash","type":"bytes32"},
		{"name":"state","type":"uint8"},
		{"name":"createdAt","type":"uint64"},
		{"name":"deliveredAt","type":"uint64"},
		{"name":"timeout","type":"uint64"}
	]},
	{"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":true,"name":"agent","type":"address"},{"indexed":true,"name":"provider","type":"address"},{"indexed":false,"name":"token","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}]},
	{"type":"event","name":"DeliveryConfirmed","anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":false,"name":"deliveryHash","type":"bytes32"}]},
	{"type":"event","name":"ReceiptConfirmed","anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":false,"name":"receiptHash","type":"bytes32"},{"indexed":false,"name":"matched","type":"bool"}]},
	{"type":"event","name":"FundsReleased","anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":false,"name":"providerShare","type":"uint256"},{"indexed":false,"name":"fee","type":"uint256"}]},
	{"type":"event","name":"DisputeRaised","anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"uint256"}]}
]`

// erc20ABI is the allowance subset needed before token escrows.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`
