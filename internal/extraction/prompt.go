package extraction

// extractionPrompt is the shared instruction used by all providers. It
// asks for a single fenced JSON block so the normalizer can locate the
// structured data regardless of surrounding prose.
const extractionPrompt = `You are analyzing a photograph of a paper receipt. Carefully read all text in the image and extract the following information:

1. **Merchant**: the store or business name, usually the largest text at the top of the receipt.

2. **Date**: the transaction date, converted to ISO 8601 format (YYYY-MM-DD).

3. **Total amount**: the final total or amount due, usually at the bottom, labeled "TOTAL", "Amount Due" or similar. A number in the receipt's currency, e.g. 42.75.

4. If present on the receipt: tax amount, tax type (e.g. "VAT", "GST", "Sales Tax"), subtotal, tip, payment method (e.g. "VISA ****1234", "Cash"), a spending category (e.g. "Meals", "Travel", "Office Supplies"), and the individual line items with their amounts.

Return the extraction as a single JSON code block in exactly this shape:

` + "```json" + `
{
  "merchant": "Store Name",
  "amount": 0.00,
  "date": "YYYY-MM-DD",
  "tax": 0.00,
  "taxType": "Sales Tax",
  "subtotal": 0.00,
  "tip": 0.00,
  "category": "Meals",
  "paymentMethod": "VISA ****1234",
  "items": [{"description": "Item name", "amount": 0.00}],
  "confidence": 0.0
}
` + "```" + `

Important:
- Amounts must be plain numbers (not strings), in major currency units
- Use null for any field you cannot read from the receipt
- "confidence" is your own 0.0-1.0 estimate of how reliably you read the receipt
- Do not include any other JSON blocks in your answer`
